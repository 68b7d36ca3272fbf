// Command perpctl is the operator CLI for a running node: it drives the
// gateway's admin HTTP routes for market and liquidation-queue control,
// and opens the dispatch signer-pool store directly to report on and
// toggle relayer signers. It never touches the vault or orderbook state
// directly; those stay behind the gateway's own authorization model.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hyperlicked/perpcore/params"
	"github.com/hyperlicked/perpcore/pkg/dispatch"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg := params.LoadFromEnv("")
	gatewayAddr := os.Getenv("PERPCTL_GATEWAY_ADDR")
	if gatewayAddr == "" {
		gatewayAddr = "http://localhost" + cfg.Gateway.ListenAddr
	}
	adminToken := os.Getenv("PERPCTL_ADMIN_TOKEN")
	if adminToken == "" {
		adminToken = cfg.Gateway.AdminToken
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "markets-list":
		err = marketsList(gatewayAddr)
	case "markets-pause":
		err = marketsPauseResume(gatewayAddr, adminToken, args, "pause")
	case "markets-resume":
		err = marketsPauseResume(gatewayAddr, adminToken, args, "resume")
	case "liq-queue":
		err = liqQueue(gatewayAddr, adminToken)
	case "signers-status":
		err = signersStatus(cfg)
	case "signers-enable":
		err = signersSetEnabled(cfg, args, true)
	case "signers-disable":
		err = signersSetEnabled(cfg, args, false)
	case "insurance-topup":
		fmt.Println("insurance-topup: no top-up is performed, see the Open Questions decisions in SPEC_FULL.md")
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "perpctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `perpctl commands:
  markets-list
  markets-pause   -symbol SYMBOL
  markets-resume  -symbol SYMBOL
  liq-queue
  signers-status
  signers-enable  -address 0x.. -chain 31337
  signers-disable -address 0x.. -chain 31337
  insurance-topup`)
}

func marketsList(gatewayAddr string) error {
	resp, err := http.Get(gatewayAddr + "/api/v1/markets")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printJSON(resp)
}

func marketsPauseResume(gatewayAddr, adminToken string, args []string, action string) error {
	fs := flag.NewFlagSet("markets-"+action, flag.ExitOnError)
	symbol := fs.String("symbol", "", "market symbol, e.g. BTC-USD")
	fs.Parse(args)
	if *symbol == "" {
		return fmt.Errorf("-symbol is required")
	}
	url := fmt.Sprintf("%s/api/v1/admin/markets/%s/%s", gatewayAddr, *symbol, action)
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Admin-Token", adminToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printJSON(resp)
}

func liqQueue(gatewayAddr, adminToken string) error {
	req, err := http.NewRequest(http.MethodGet, gatewayAddr+"/api/v1/admin/liquidation/queue", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Admin-Token", adminToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printJSON(resp)
}

func printJSON(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("gateway returned %s: %s", resp.Status, body)
	}
	var pretty interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return nil
}

// openDispatchStore opens the same Pebble directory the node's dispatch
// store writes to; Pebble supports concurrent reader processes as long
// as only one process holds the write lock, which the running node does
// not contend with perpctl's brief open/read/close.
func openDispatchStore(cfg params.Config) (*dispatch.Store, error) {
	return dispatch.NewStore(cfg.Storage.DataDir + "/dispatch")
}

func signersStatus(cfg params.Config) error {
	store, err := openDispatchStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	signers, err := store.LoadAllSigners()
	if err != nil {
		return err
	}
	for _, st := range signers {
		fmt.Printf("%s chain=%d enabled=%v next_nonce=%d pending=%d failures=%d\n",
			st.Address.Hex(), st.ChainID, st.Enabled, st.NextNonce, st.PendingCount, st.FailureCount)
	}
	if len(signers) == 0 {
		fmt.Println("no signers registered")
	}
	return nil
}

func signersSetEnabled(cfg params.Config, args []string, enabled bool) error {
	name := "signers-enable"
	if !enabled {
		name = "signers-disable"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	address := fs.String("address", "", "signer address, 0x...")
	chainID := fs.Uint64("chain", 0, "chain id")
	fs.Parse(args)
	if *address == "" || *chainID == 0 {
		return fmt.Errorf("-address and -chain are required")
	}

	store, err := openDispatchStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	pool, err := dispatch.NewPool(store, dispatch.DefaultHealthThresholds(), func() int64 { return 0 })
	if err != nil {
		return err
	}
	k := dispatch.SignerKey{Address: common.HexToAddress(*address), ChainID: *chainID}
	if err := pool.SetEnabled(k, enabled); err != nil {
		return err
	}
	fmt.Printf("signer %s on chain %d set enabled=%v\n", k.Address.Hex(), k.ChainID, enabled)
	return nil
}
