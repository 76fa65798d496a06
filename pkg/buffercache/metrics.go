// Copyright 2026 The gVisor Authors.
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

package buffercache

import (
	"gpumirror.dev/gpumirror/pkg/hostarch"
	"gpumirror.dev/gpumirror/pkg/metric"
)

var (
	buffersCreated  = metric.MustCreateNewUint64Metric("/buffercache/buffers_created", "Number of buffers created.")
	buffersJoined   = metric.MustCreateNewUint64Metric("/buffercache/buffers_joined", "Number of buffers joined into a larger buffer.")
	buffersEvicted  = metric.MustCreateNewUint64Metric("/buffercache/buffers_evicted", "Number of buffers evicted.")
	streamLeaps     = metric.MustCreateNewUint64Metric("/buffercache/stream_leaps", "Number of requests that refused to merge disproportionately large overlaps.")
	bytesUploaded   = metric.MustCreateNewUint64Metric("/buffercache/bytes_uploaded", "Bytes copied from guest memory to buffers.")
	bytesDownloaded = metric.MustCreateNewUint64Metric("/buffercache/bytes_downloaded", "Bytes copied from buffers to guest memory.")
	faultsHandled   = metric.MustCreateNewUint64Metric("/buffercache/faults", "Guest protection faults handled, by access type.",
		metric.NewField("access", []string{"read", "write"}))
)

func accessField(at hostarch.AccessType) string {
	if at.Write {
		return "write"
	}
	return "read"
}
