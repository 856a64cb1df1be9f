// Copyright 2024 The Flowdev Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command flowoffloadctl stands up a Core against the fake driver and
// exercises the handful of operations a real control plane would
// drive it with, for manual smoke-testing outside the test suite.
package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowdev/hwoffload/core"
	"github.com/flowdev/hwoffload/driverfake"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "flowoffloadctl:", err)
		os.Exit(1)
	}
}

func run() error {
	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer log.Sync()

	metrics := core.NewMetrics(nil)
	driver := driverfake.New()
	c := core.New(driver, core.WithLogger(log), core.WithMetrics(metrics))

	uplink := driverfake.NewPhysicalNetDev("eth0", 1, 4, true)
	vxlan := driverfake.NewVXLANNetDev("vxlan0")

	if err := c.PortAdd(uplink, 1); err != nil {
		return fmt.Errorf("port_add eth0: %w", err)
	}
	if err := c.PortAdd(vxlan, 2); err != nil {
		return fmt.Errorf("port_add vxlan0: %w", err)
	}

	match := core.Match{
		Flow: core.FlowKey{
			InPort:  1,
			DlType:  0x0800,
			NwProto: 17,
			TpDst:   4789,
		},
		Wildcards: core.FlowKey{
			InPort:  0xffffffff,
			DlType:  0xffff,
			NwProto: 0xff,
			TpDst:   0xffff,
		},
	}
	actions := []core.Action{{Kind: core.ActionTunnelPop, TunnelPopPort: 2}}

	flowID := uuid.New()
	if _, err := c.FlowPut(uplink, match, actions, flowID, core.FlowPutInfo{}); err != nil {
		return fmt.Errorf("flow_put: %w", err)
	}
	log.Info("installed tunnel_pop flow", zap.Int("rules", driver.RuleCount()))

	if _, err := c.FlowDel(uplink, flowID); err != nil {
		return fmt.Errorf("flow_del: %w", err)
	}
	log.Info("deleted flow", zap.Int("rules_remaining", driver.RuleCount()))
	return nil
}
