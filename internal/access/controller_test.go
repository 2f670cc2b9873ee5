package access

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotaledger/gas-station/internal/config"
	"github.com/iotaledger/gas-station/internal/storage"
)

func TestController_DefaultPolicy(t *testing.T) {
	store := storage.NewMemoryStore()
	tx := &Transaction{Sender: "0xabc", GasBudget: 100}

	allowAll := New(config.AccessControllerConfig{AccessPolicy: "allow-all"}, store)
	v, err := allowAll.Evaluate(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, Allow, v)

	denyAll := New(config.AccessControllerConfig{AccessPolicy: "deny-all"}, store)
	v, err = denyAll.Evaluate(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, Deny, v)

	disabled := New(config.AccessControllerConfig{AccessPolicy: "disabled", Rules: []config.RuleSpec{
		{SenderAddress: &config.StringSetTerm{Values: []string{"0xabc"}}, Action: "deny"},
	}}, store)
	v, err = disabled.Evaluate(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, Allow, v)
}

func TestController_SenderAddressAndGasBudget(t *testing.T) {
	store := storage.NewMemoryStore()
	cfg := config.AccessControllerConfig{
		AccessPolicy: "deny-all",
		Rules: []config.RuleSpec{
			{
				SenderAddress: &config.StringSetTerm{Values: []string{"0xgood"}},
				GasBudget:     &config.CompareTerm{Comparator: "<=", Value: 1000},
				Action:        "allow",
			},
		},
	}
	c := New(cfg, store)

	v, err := c.Evaluate(context.Background(), &Transaction{Sender: "0xgood", GasBudget: 500})
	require.NoError(t, err)
	assert.Equal(t, Allow, v)

	v, err = c.Evaluate(context.Background(), &Transaction{Sender: "0xgood", GasBudget: 5000})
	require.NoError(t, err)
	assert.Equal(t, Deny, v, "gas budget over threshold falls through to default deny-all")

	v, err = c.Evaluate(context.Background(), &Transaction{Sender: "0xbad", GasBudget: 500})
	require.NoError(t, err)
	assert.Equal(t, Deny, v, "sender not in the rule's set falls through to default deny-all")
}

func TestController_MoveCallPackageSkippedWhenAbsent(t *testing.T) {
	store := storage.NewMemoryStore()
	cfg := config.AccessControllerConfig{
		AccessPolicy: "allow-all",
		Rules: []config.RuleSpec{
			{
				MoveCallPackageAddr: &config.StringSetTerm{Values: []string{"0xpkg"}},
				Action:              "deny",
			},
		},
	}
	c := New(cfg, store)

	v, err := c.Evaluate(context.Background(), &Transaction{Sender: "0xabc", MoveCallPackages: nil})
	require.NoError(t, err)
	assert.Equal(t, Allow, v, "term is skipped when the tx has no move calls, so the rule never matches")

	v, err = c.Evaluate(context.Background(), &Transaction{Sender: "0xabc", MoveCallPackages: []string{"0xpkg"}})
	require.NoError(t, err)
	assert.Equal(t, Deny, v)
}

func TestController_PTBCommandCountSkippedWhenNotProgrammable(t *testing.T) {
	store := storage.NewMemoryStore()
	cfg := config.AccessControllerConfig{
		AccessPolicy: "allow-all",
		Rules: []config.RuleSpec{
			{
				PTBCommandCount: &config.CompareTerm{Comparator: ">", Value: 5},
				Action:          "deny",
			},
		},
	}
	c := New(cfg, store)

	v, err := c.Evaluate(context.Background(), &Transaction{IsProgrammable: false, PTBCommandCount: 10})
	require.NoError(t, err)
	assert.Equal(t, Allow, v, "non-programmable transactions skip the ptb-command-count term")

	v, err = c.Evaluate(context.Background(), &Transaction{IsProgrammable: true, PTBCommandCount: 10})
	require.NoError(t, err)
	assert.Equal(t, Deny, v)
}

func TestController_RegoExpression(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SetRaw("rules/big-spender", `Sender == "0xwhale" && GasBudget > 1000000`)

	cfg := config.AccessControllerConfig{
		AccessPolicy: "allow-all",
		Rules: []config.RuleSpec{
			{
				RegoExpression: &config.RegoTerm{RuleName: "big-spender", Source: "store:rules/big-spender"},
				Action:         "deny",
			},
		},
	}
	c := New(cfg, store)

	v, err := c.Evaluate(context.Background(), &Transaction{Sender: "0xwhale", GasBudget: 2_000_000})
	require.NoError(t, err)
	assert.Equal(t, Deny, v)

	v, err = c.Evaluate(context.Background(), &Transaction{Sender: "0xshrimp", GasBudget: 2_000_000})
	require.NoError(t, err)
	assert.Equal(t, Allow, v)
}

func TestController_Hook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var tx map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&tx)
		decision := "no-decision"
		if tx["Sender"] == "0xflagged" {
			decision = "deny"
		}
		_ = json.NewEncoder(w).Encode(hookResponse{Decision: decision})
	}))
	defer srv.Close()

	store := storage.NewMemoryStore()
	cfg := config.AccessControllerConfig{
		AccessPolicy: "allow-all",
		Rules: []config.RuleSpec{
			{Action: srv.URL},
			{SenderAddress: &config.StringSetTerm{Values: []string{"*"}}, Action: "deny"},
		},
	}
	c := New(cfg, store)

	v, err := c.Evaluate(context.Background(), &Transaction{Sender: "0xflagged"})
	require.NoError(t, err)
	assert.Equal(t, Deny, v)

	v, err = c.Evaluate(context.Background(), &Transaction{Sender: "0xclean"})
	require.NoError(t, err)
	assert.Equal(t, Deny, v, "hook no-decision falls through to the next rule, which denies everyone")
}

func TestController_GasUsageCapBlocksMatch(t *testing.T) {
	store := storage.NewMemoryStore()
	cfg := config.AccessControllerConfig{
		AccessPolicy: "deny-all",
		Rules: []config.RuleSpec{
			{
				SenderAddress: &config.StringSetTerm{Values: []string{"0xabc"}},
				GasUsage:      &config.GasUsageTerm{WindowSeconds: 86400, Comparator: "<", Value: 100, CountBy: "sender"},
				Action:        "allow",
			},
		},
	}
	c := New(cfg, store)
	tx := &Transaction{Sender: "0xabc"}

	v, err := c.Evaluate(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, Allow, v, "counter starts at 0, which is < 100")

	require.NoError(t, c.RecordGasUsage(context.Background(), tx, 150))

	v, err = c.Evaluate(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, Deny, v, "counter now at 150, which is not < 100, so the matching rule's gas-usage term denies the tx")
}
