// Copyright 2026 The TabletKV Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package operations

// baseOperation carries the pieces every variant shares: the mutable state
// record and the optional completion callback that reports the outcome to the
// originating client. The driver guarantees the callback fires exactly once.
type baseOperation struct {
	state      *OperationState
	completion func(error)
}

func (b *baseOperation) State() *OperationState {
	return b.state
}

func (b *baseOperation) Start() {
	b.state.startLocally()
}

func (b *baseOperation) complete(err error) {
	if b.completion != nil {
		b.completion(err)
	}
}
