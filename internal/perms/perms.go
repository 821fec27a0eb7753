// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package perms resolves the identity of the calling process: its real
// uid/gid and, where name-service lookups are safe to perform, its login
// name.
package perms

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
)

// MyUserAndGroup returns the real uid and gid of the calling process.
func MyUserAndGroup() (uid uint32, gid uint32, err error) {
	return uint32(os.Getuid()), uint32(os.Getgid()), nil
}

// MyLoginName resolves the calling user's login name via the system's
// name-service switch, by uid. Callers that run during early process init
// (the LD_PRELOAD entry point) must not call this; they consult
// GROOT_USER instead, per the coordinator's login-name resolution step.
func MyLoginName() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("user.Current: %w", err)
	}
	if u.Username != "" {
		return u.Username, nil
	}
	return strconv.Itoa(os.Getuid()), nil
}
