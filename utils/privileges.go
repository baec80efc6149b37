// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

// LookupUser resolves userName to numeric ids.
func LookupUser(userName string) (uid uint32, gid uint32, err error) {
	var (
		u   *user.User
		u64 uint64
	)

	u, err = user.Lookup(userName)
	if nil != err {
		return
	}

	u64, err = strconv.ParseUint(u.Uid, 10, 32)
	if nil != err {
		err = fmt.Errorf("user %s has non-numeric uid %q", userName, u.Uid)
		return
	}
	uid = uint32(u64)

	u64, err = strconv.ParseUint(u.Gid, 10, 32)
	if nil != err {
		err = fmt.Errorf("user %s has non-numeric gid %q", userName, u.Gid)
		return
	}
	gid = uint32(u64)

	err = nil
	return
}

// DropPrivileges switches the whole process to userName. Nothing happens when
// userName is empty or the process is not running as root.
//
// syscall.Setuid applies to every OS thread of the process (Go 1.16+); the
// runtime is already multi-threaded by the time this is called.
func DropPrivileges(userName string) (err error) {
	var (
		gid uint32
		uid uint32
	)

	if ("" == userName) || (0 != os.Geteuid()) {
		err = nil
		return
	}

	uid, gid, err = LookupUser(userName)
	if nil != err {
		return
	}

	err = syscall.Setgid(int(gid))
	if nil != err {
		err = fmt.Errorf("setgid(%d) for %s failed: %v", gid, userName, err)
		return
	}
	err = syscall.Setuid(int(uid))
	if nil != err {
		err = fmt.Errorf("setuid(%d) for %s failed: %v", uid, userName, err)
		return
	}

	err = nil
	return
}
