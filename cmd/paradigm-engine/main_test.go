package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/paradigm-network/paradigm-engine/api"
	"github.com/paradigm-network/paradigm-engine/config"
	"github.com/paradigm-network/paradigm-engine/engine"
	"github.com/paradigm-network/paradigm-engine/state"
)

func hexAddr(b byte) string {
	return state.BytesToAddress([]byte{b}).String()
}

func transferJSON(id string, from, to byte) string {
	return fmt.Sprintf(`{"id":%q,"from":%q,"to":%q,"value":1}`, id, hexAddr(from), hexAddr(to))
}

func runPlan(t *testing.T, input string) engine.ExecutionPlan {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetIn(strings.NewReader(input))
	root.SetOut(&out)
	root.SetArgs([]string{"plan"})
	require.NoError(t, root.Execute())

	var plan engine.ExecutionPlan
	require.NoError(t, json.Unmarshal(out.Bytes(), &plan))
	return plan
}

func TestPlanCommand(t *testing.T) {
	disjoint := "[" + transferJSON("00000000-0000-0000-0000-000000000001", 1, 2) + "," +
		transferJSON("00000000-0000-0000-0000-000000000002", 3, 4) + "]"
	require.Len(t, runPlan(t, disjoint).Waves, 1)

	sameSender := "[" + transferJSON("00000000-0000-0000-0000-000000000001", 1, 2) + "," +
		transferJSON("00000000-0000-0000-0000-000000000002", 1, 4) + "]"
	plan := runPlan(t, sameSender)
	require.Len(t, plan.Waves, 2)
	require.Equal(t, 1, plan.Waves[0].ParallelismFactor)
}

func TestPlanCommandRejectsInvalidInput(t *testing.T) {
	root := newRootCommand()
	root.SetIn(strings.NewReader(`[{"value":1}]`))
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"plan"})
	require.ErrorIs(t, root.Execute(), engine.ErrInvalidTransaction)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "v"+api.Version)
}

func TestOpenStateAppliesGenesis(t *testing.T) {
	dir := t.TempDir()
	genesis := filepath.Join(dir, "genesis.json")
	require.NoError(t, os.WriteFile(genesis, []byte(fmt.Sprintf(`{%q:"500"}`, hexAddr(7))), 0o644))

	for _, backend := range []string{config.BackendMemory, config.BackendLevelDB} {
		t.Run(backend, func(t *testing.T) {
			st, closeFn, err := openState(config.StateConfig{
				Backend: backend,
				Path:    filepath.Join(dir, backend),
				Genesis: genesis,
			}, zap.NewNop())
			require.NoError(t, err)
			defer func() { require.NoError(t, closeFn()) }()

			bal, err := state.GetBalance(st, state.BytesToAddress([]byte{7}))
			require.NoError(t, err)
			require.Equal(t, uint256.NewInt(500), bal)
		})
	}
}

func TestOpenStateMissingGenesis(t *testing.T) {
	_, _, err := openState(config.StateConfig{
		Backend: config.BackendMemory,
		Genesis: filepath.Join(t.TempDir(), "missing.json"),
	}, zap.NewNop())
	require.Error(t, err)
}
