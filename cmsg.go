package binder

// Adapted from
// https://github.com/opencontainers/runc/blob/cf6c074115d00c932ef01dedb3e13ba8b8f964c3/libcontainer/utils/cmsg.go,
// and modified under the terms of the apache license, 2.0.

/*
 * Copyright 2016, 2017 SUSE LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// oobSpace is the size of the oob slice required to store a single FD. Note
// that unix.UnixRights appears to make the assumption that fd is always int32,
// so sizeof(fd) = 4.
var oobSpace = unix.CmsgSpace(4)

// writeMsg writes data in one sendmsg, passing fd along with it unless fd is
// negative.
func writeMsg(conn *net.UnixConn, data []byte, fd int) error {
	var oob []byte
	if fd >= 0 {
		oob = unix.UnixRights(fd)
	}
	n, oobn, err := conn.WriteMsgUnix(data, oob, nil)
	if err != nil {
		return err
	}
	if n != len(data) || oobn != len(oob) {
		return fmt.Errorf("sendmsg: short write (n=%d oobn=%d)", n, oobn)
	}
	return nil
}

// readMsg reads into buf and returns the descriptor passed with those bytes,
// if there was one.
// The descriptor is wrapped in our own '*File' rather than an '*os.File' so
// using it later does not put it in blocking mode.
func readMsg(conn *net.UnixConn, buf []byte) (int, *File, error) {
	oob := make([]byte, oobSpace)
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return n, nil, err
	}
	if oobn == 0 {
		return n, nil, nil
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return n, nil, err
	}
	if len(scms) != 1 {
		return n, nil, fmt.Errorf("recvfd: number of SCMs is not 1: %d", len(scms))
	}
	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil {
		return n, nil, err
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return n, nil, fmt.Errorf("recvfd: number of fds is not 1: %d", len(fds))
	}
	f := newFile(uintptr(fds[0]), "scm_rights")
	if f == nil {
		return n, nil, fmt.Errorf("could not construct a file")
	}
	return n, f, nil
}
