/*
Copyright 2024 BaudBridge Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package serial

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// findProcessHolders maps each named port to the other processes with an
// open descriptor on its device. The process table is walked once for all
// names. Names whose device cannot be resolved are left out, and when none
// resolves the last resolution error is returned. Processes whose
// descriptor tables cannot be read are skipped; when none can be read the
// platform is treated as unsupported.
func findProcessHolders(names ...string) (map[string][]Holder, error) {
	targets := make(map[string][]string, len(names))
	var resolveErr error
	for _, name := range names {
		path, err := devicePath(name)
		if err != nil {
			resolveErr = err
			continue
		}
		targets[path] = append(targets[path], name)
	}
	if len(targets) == 0 {
		return nil, resolveErr
	}

	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	self := int32(os.Getpid())
	readable := false
	holders := make(map[string][]Holder, len(names))
	for _, p := range procs {
		if p.Pid == self {
			continue
		}

		files, err := p.OpenFiles()
		if err != nil {
			continue
		}
		readable = true

		var holder *Holder
		seen := make(map[string]bool)
		for _, f := range files {
			ports, ok := targets[f.Path]
			if !ok || seen[f.Path] {
				continue
			}
			seen[f.Path] = true
			if holder == nil {
				command, _ := p.Name()
				holder = &Holder{PID: int(p.Pid), Command: command}
			}
			for _, name := range ports {
				holders[name] = append(holders[name], *holder)
			}
		}
	}

	if !readable {
		return nil, ErrReleaseUnsupported
	}
	return holders, nil
}
