/*
 * Copyright 2021 ByteDance Inc.
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

package backend

import "fmt"

// NotFoundError reports an instruction-set name that is not in the
// registry, or a dynamic-load API version mismatch (§7 "No backend
// available ... Fatal").
type NotFoundError struct {
	Name   string
	Reason string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("backend: %q unavailable: %s", e.Name, e.Reason)
}
