/***************************************************************
 *
 * Copyright (C) 2026, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package pool_errors

type FlushOutcome int

const (
	// The file was stored and leaves the flush queue.
	FlushDone FlushOutcome = iota
	// The file is moved to the failed set of its storage class and is not
	// retried until an operator reactivates it.
	FlushMarkFailed
	// The file stays pending and the storage class error counter is bumped.
	FlushCountError
)

func (o FlushOutcome) String() string {
	switch o {
	case FlushDone:
		return "done"
	case FlushMarkFailed:
		return "failed"
	}
	return "error"
}

// FlushPolicy maps the result code of a store operation to what the
// storage class bookkeeping does with the file.
//
//	code        outcome
//	0           FlushDone
//	[30, 40)    FlushMarkFailed
//	otherwise   FlushCountError
//
// The 30-39 range is reserved for HSM scripts to signal a problem with the
// individual file; those must not inflate the class error counter, which
// throttles the whole class.
func FlushPolicy(code int) FlushOutcome {
	switch {
	case code == CodeOK:
		return FlushDone
	case code >= CodeHsmFailedMin && code < CodeHsmFailedMax+1:
		return FlushMarkFailed
	}
	return FlushCountError
}
