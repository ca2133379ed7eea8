// Copyright 2025 go-distmm Authors
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

// Command distmm runs the distributed square matrix multiplication, either
// with every worker in one process (run) or one worker per process meeting at
// a gRPC hub (worker).
//
// Usage:
//
//	distmm run -n 512 -p 4 --kernel blas
//	distmm worker --rank 0 -p 2 --hub localhost:7470 -n 512 &
//	distmm worker --rank 1 -p 2 --hub localhost:7470
//	distmm kernels
//
// Each worker writes proc<rank>.out with its pack, exchange and compute
// times per owner step.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
