// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package conf loads .INI/.conf style configuration into a ConfMap.
//
// A file looks like:
//
//   [Generate]
//   CaptureFile   : /var/tmp/test.capture
//   HoleTolerance = 10MiB          ; a comment
//   SupportedFileSystems : ext4, xfs  # another comment
//
//   .include common.conf
//
// Single options may also be supplied (e.g. from the command line) as
// <section_name>.<option_name>=<value>[,<value>...].
package conf

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ConfMap is accessed via confMap[section_name][option_name][option_value_index] or via the methods below
type ConfMapOption []string
type ConfMapSection map[string]ConfMapOption
type ConfMap map[string]ConfMapSection

const (
	assignment = `([ \t]*[=:][ \t]*)`
	separator  = `([ \t]+|([ \t]*,[ \t]*))`
	token      = `([0-9A-Za-z_\*\-/:\.\[\]%\+~@]+)`
	name       = `([0-9A-Za-z_\-]+)`
	values     = `(` + token + `(` + separator + token + `)*)?`
)

var (
	stringRE        = regexp.MustCompile(`\A` + name + `\.` + name + assignment + values + `\z`)
	sectionHeaderRE = regexp.MustCompile(`\A\[` + name + `\]\z`)
	optionLineRE    = regexp.MustCompile(`\A` + name + assignment + values + `\z`)
	includeLineRE   = regexp.MustCompile(`\A\.include[ \t]+` + token + `\z`)
	assignmentRE    = regexp.MustCompile(assignment)
	separatorRE     = regexp.MustCompile(separator)
)

// MakeConfMap returns a newly created empty ConfMap
func MakeConfMap() (confMap ConfMap) {
	confMap = make(ConfMap)
	return
}

// MakeConfMapFromFile returns a newly created ConfMap loaded from confFilePath
func MakeConfMapFromFile(confFilePath string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	err = confMap.UpdateFromFile(confFilePath)
	return
}

// MakeConfMapFromStrings returns a newly created ConfMap loaded from confStrings
func MakeConfMapFromStrings(confStrings []string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	err = confMap.UpdateFromStrings(confStrings)
	if nil != err {
		err = fmt.Errorf("error building confMap from conf strings: %v", err)
	}
	return
}

func splitValues(optionValues string) (optionValuesSplit []string) {
	if "" == optionValues {
		optionValuesSplit = []string{}
		return
	}
	optionValuesSplit = separatorRE.Split(optionValues, -1)
	return
}

func (confMap ConfMap) set(sectionName string, optionName string, optionValues []string) {
	section, found := confMap[sectionName]
	if !found {
		section = make(ConfMapSection)
		confMap[sectionName] = section
	}
	section[optionName] = optionValues
}

// UpdateFromString applies a single <section>.<option>=<values> override
func (confMap ConfMap) UpdateFromString(confString string) (err error) {
	var (
		nameAndValues []string
		sectionOption []string
	)

	confStringTrimmed := strings.Trim(confString, " \t")

	if 0 == len(confStringTrimmed) {
		err = fmt.Errorf("trimmed confString: \"%v\" was found to be empty", confString)
		return
	}
	if !stringRE.MatchString(confStringTrimmed) {
		err = fmt.Errorf("malformed confString: \"%v\"", confString)
		return
	}

	sectionOption = strings.SplitN(confStringTrimmed, ".", 2)
	nameAndValues = assignmentRE.Split(sectionOption[1], 2)

	confMap.set(sectionOption[0], nameAndValues[0], splitValues(nameAndValues[1]))

	err = nil
	return
}

// UpdateFromStrings applies each of confStrings in order
func (confMap ConfMap) UpdateFromStrings(confStrings []string) (err error) {
	for _, confString := range confStrings {
		err = confMap.UpdateFromString(confString)
		if nil != err {
			return
		}
	}
	err = nil
	return
}

// UpdateFromFile applies the contents of confFilePath ("-" means stdin)
func (confMap ConfMap) UpdateFromFile(confFilePath string) (err error) {
	var (
		confFile *os.File
	)

	if "-" == confFilePath {
		err = confMap.update(os.Stdin, confFilePath)
		return
	}

	confFile, err = os.Open(confFilePath)
	if nil != err {
		return
	}
	defer confFile.Close()

	err = confMap.update(confFile, confFilePath)

	return
}

func (confMap ConfMap) update(r io.Reader, confFilePath string) (err error) {
	var (
		currentSectionName string
		includePath        string
		line               string
		lineNumber         int
		nameAndValues      []string
		scanner            *bufio.Scanner
	)

	scanner = bufio.NewScanner(r)

	for scanner.Scan() {
		lineNumber++

		line = scanner.Text()
		line = strings.SplitN(line, ";", 2)[0]
		line = strings.SplitN(line, "#", 2)[0]
		line = strings.Trim(line, " \t")

		if 0 == len(line) {
			continue
		}

		switch {
		case includeLineRE.MatchString(line):
			includePath = strings.Trim(strings.TrimPrefix(line, ".include"), " \t")
			if !filepath.IsAbs(includePath) && ("-" != confFilePath) {
				includePath = filepath.Join(filepath.Dir(confFilePath), includePath)
			}
			err = confMap.UpdateFromFile(includePath)
			if nil != err {
				return
			}
			currentSectionName = ""
		case sectionHeaderRE.MatchString(line):
			currentSectionName = line[1 : len(line)-1]
		default:
			if "" == currentSectionName {
				err = fmt.Errorf("file %v line %v: option outside of a section", confFilePath, lineNumber)
				return
			}
			if !optionLineRE.MatchString(line) {
				err = fmt.Errorf("file %v line %v: malformed line '%v'", confFilePath, lineNumber, line)
				return
			}
			nameAndValues = assignmentRE.Split(line, 2)
			confMap.set(currentSectionName, nameAndValues[0], splitValues(nameAndValues[1]))
		}
	}

	err = scanner.Err()

	return
}

// VerifyOptionIsMissing returns an error if [sectionName]optionName exists
func (confMap ConfMap) VerifyOptionIsMissing(sectionName string, optionName string) (err error) {
	section, ok := confMap[sectionName]
	if !ok {
		err = nil
		return
	}

	_, ok = section[optionName]
	if ok {
		err = fmt.Errorf("[%v]%v exists", sectionName, optionName)
		return
	}

	err = nil
	return
}

// VerifyOptionValueIsEmpty returns an error if [sectionName]optionName is missing or has a value
func (confMap ConfMap) VerifyOptionValueIsEmpty(sectionName string, optionName string) (err error) {
	option, err := confMap.FetchOptionValueStringSlice(sectionName, optionName)
	if nil != err {
		return
	}

	if 0 != len(option) {
		err = fmt.Errorf("[%v]%v must have no value", sectionName, optionName)
		return
	}

	err = nil
	return
}

// FetchOptionValueStringSlice returns [sectionName]optionName's values
func (confMap ConfMap) FetchOptionValueStringSlice(sectionName string, optionName string) (optionValue []string, err error) {
	optionValue = []string{}

	section, ok := confMap[sectionName]
	if !ok {
		err = fmt.Errorf("[%v] missing", sectionName)
		return
	}

	option, ok := section[optionName]
	if !ok {
		err = fmt.Errorf("[%v]%v missing", sectionName, optionName)
		return
	}

	optionValue = option

	err = nil
	return
}

// FetchOptionValueString returns [sectionName]optionName's single value
func (confMap ConfMap) FetchOptionValueString(sectionName string, optionName string) (optionValue string, err error) {
	optionValueSlice, err := confMap.FetchOptionValueStringSlice(sectionName, optionName)
	if nil != err {
		return
	}

	if 1 != len(optionValueSlice) {
		err = fmt.Errorf("[%v]%v must be single-valued", sectionName, optionName)
		return
	}

	optionValue = optionValueSlice[0]

	err = nil
	return
}

// FetchOptionValueBool accepts true/false, yes/no and on/off
func (confMap ConfMap) FetchOptionValueBool(sectionName string, optionName string) (optionValue bool, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	switch strings.ToLower(optionValueString) {
	case "yes", "on", "true":
		optionValue = true
	case "no", "off", "false":
		optionValue = false
	default:
		err = fmt.Errorf("[%v]%v: couldn't interpret %q as boolean", sectionName, optionName, optionValueString)
		return
	}

	err = nil
	return
}

func (confMap ConfMap) fetchUint(sectionName string, optionName string, bitSize int) (optionValue uint64, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = strconv.ParseUint(optionValueString, 10, bitSize)
	if nil != err {
		err = fmt.Errorf("[%v]%v: %v", sectionName, optionName, err)
	}

	return
}

// FetchOptionValueUint32 returns [sectionName]optionName's value as a uint32
func (confMap ConfMap) FetchOptionValueUint32(sectionName string, optionName string) (optionValue uint32, err error) {
	optionValueUint64, err := confMap.fetchUint(sectionName, optionName, 32)
	if nil == err {
		optionValue = uint32(optionValueUint64)
	}
	return
}

// FetchOptionValueUint64 returns [sectionName]optionName's value as a uint64
func (confMap ConfMap) FetchOptionValueUint64(sectionName string, optionName string) (optionValue uint64, err error) {
	optionValue, err = confMap.fetchUint(sectionName, optionName, 64)
	return
}

// FetchOptionValueFloat64 returns [sectionName]optionName's value as a float64
func (confMap ConfMap) FetchOptionValueFloat64(sectionName string, optionName string) (optionValue float64, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = strconv.ParseFloat(optionValueString, 64)
	if nil != err {
		err = fmt.Errorf("[%v]%v: %v", sectionName, optionName, err)
	}

	return
}

// FetchOptionValueDuration returns [sectionName]optionName's value as a non-negative time.Duration
func (confMap ConfMap) FetchOptionValueDuration(sectionName string, optionName string) (optionValue time.Duration, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = time.ParseDuration(optionValueString)
	if nil != err {
		return
	}

	if 0 > optionValue {
		err = fmt.Errorf("[%v]%v is negative", sectionName, optionName)
		return
	}

	err = nil
	return
}

// FetchOptionValueBytes returns [sectionName]optionName's value parsed as a
// human readable byte count (e.g. "4096", "10MiB", "1.5GB")
func (confMap ConfMap) FetchOptionValueBytes(sectionName string, optionName string) (optionValue uint64, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = humanize.ParseBytes(optionValueString)
	if nil != err {
		err = fmt.Errorf("[%v]%v: %v", sectionName, optionName, err)
	}

	return
}

// DumpConfMapToFile writes confMap to confFilePath in a form UpdateFromFile reads back
func (confMap ConfMap) DumpConfMapToFile(confFilePath string, perm os.FileMode) (err error) {
	var (
		buf          bytes.Buffer
		optionName   string
		optionNames  []string
		sectionName  string
		sectionNames []string
	)

	for sectionName = range confMap {
		sectionNames = append(sectionNames, sectionName)
	}
	sort.Strings(sectionNames)

	for _, sectionName = range sectionNames {
		fmt.Fprintf(&buf, "[%s]\n", sectionName)

		optionNames = optionNames[:0]
		for optionName = range confMap[sectionName] {
			optionNames = append(optionNames, optionName)
		}
		sort.Strings(optionNames)

		for _, optionName = range optionNames {
			fmt.Fprintf(&buf, "%s : %s\n", optionName, strings.Join(confMap[sectionName][optionName], ", "))
		}

		buf.WriteByte('\n')
	}

	err = ioutil.WriteFile(confFilePath, buf.Bytes(), perm)

	return
}
