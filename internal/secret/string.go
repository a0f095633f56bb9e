// Copyright 2025 Navtrace Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package secret

// String is a credential that never leaks through logging or config
// round-trips: Stringer and YAML output are redacted, and the real value is
// only reachable through SecretValue.
type String string

func (s String) String() string {
	return "xxxxx"
}

// MarshalYAML keeps config re-serialization redacted.
func (s String) MarshalYAML() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s String) SecretValue() string {
	return string(s)
}
