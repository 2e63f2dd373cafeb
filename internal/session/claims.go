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

package session

import (
	"sync"

	"github.com/Shoaibashk/BaudBridge/internal/serial"
)

// claims records which session intends to use each port name, so two
// sessions in one process never fight over a port or release each other.
var claims = struct {
	sync.Mutex
	owners map[string]string // port name -> session ID
}{owners: make(map[string]string)}

func claim(id string, names ...string) error {
	claims.Lock()
	defer claims.Unlock()

	for _, name := range names {
		if owner, ok := claims.owners[name]; ok && owner != id {
			return &serial.ConfigurationError{Port: name, Field: "port", Reason: "already bridged by session " + owner}
		}
	}
	for _, name := range names {
		claims.owners[name] = id
	}
	return nil
}

func unclaim(id string) {
	claims.Lock()
	defer claims.Unlock()

	for name, owner := range claims.owners {
		if owner == id {
			delete(claims.owners, name)
		}
	}
}
