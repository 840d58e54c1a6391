// Copyright Project Contour Authors
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

package main

import (
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/flowplane/flowplane/internal/workgroup"
)

func discardLogrus() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestGRPCOptionsInsecureSkipsCreds(t *testing.T) {
	ctx := newServeContext()
	ctx.PermitInsecureGRPC = true

	opts := grpcOptions(ctx)

	// An insecure config must never reach tlsConfig, which would call
	// log.Fatal on the (here, nonexistent) cert files.
	assert.NotPanics(t, func() {
		grpc.NewServer(opts...)
	})
}

func TestAddGRPCServerServesAndStops(t *testing.T) {
	var group workgroup.Group
	log := discardLogrus()

	srv := health.NewServer()
	err := addGRPCServer(&group, "test", "127.0.0.1", 0, nil, func(s *grpc.Server) {
		healthpb.RegisterHealthServer(s, srv)
	}, log)
	require.NoError(t, err)

	group.Add(func(stop <-chan struct{}) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- group.Run() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("workgroup did not shut down in time")
	}
}

func TestAddGRPCServerRejectsBadAddress(t *testing.T) {
	var group workgroup.Group
	err := addGRPCServer(&group, "test", "not-a-real-host", -1, nil, func(*grpc.Server) {}, discardLogrus())
	assert.Error(t, err)
}
