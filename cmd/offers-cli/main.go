package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const defaultEndpoint = "http://localhost:7081"

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string { return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message) }

var (
	cliNow  = time.Now
	apiCall = callAPI
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "token":
		return runToken(args[1:], stdout, stderr)
	case "deposit":
		return runDeposit(args[1:], stdout, stderr)
	case "withdraw":
		return runWithdraw(args[1:], stdout, stderr)
	case "get":
		return runGet(args[1:], stdout, stderr)
	case "list":
		return runList(args[1:], stdout, stderr)
	case "settlements":
		return runSettlements(args[1:], stdout, stderr)
	case "balance":
		return runBalance(args[1:], stdout, stderr)
	case "export":
		return runExport(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.TrimSpace(`
Usage: offers-cli <command> [flags]

Commands:
  token        mint a development bearer token for an account
  deposit      deposit an asset to create or accept an offer
  withdraw     withdraw an open offer you made
  get          show an offer and its lifecycle status
  list         list open offers by maker or counterparty
  settlements  list settlement records
  balance      show a fungible balance
  export       write settlement records to CSV and Parquet

Environment:
  OFFERSD_URL    API endpoint (default http://localhost:7081)
  OFFERSD_TOKEN  bearer token used for deposit and withdraw
  OFFERSD_JWT_SECRET  signing secret used by token
`)
}

type commonFlags struct {
	endpoint string
	token    string
}

func newFlagSet(name string, stderr io.Writer, common *commonFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }
	if common != nil {
		endpoint := strings.TrimSpace(os.Getenv("OFFERSD_URL"))
		if endpoint == "" {
			endpoint = defaultEndpoint
		}
		fs.StringVar(&common.endpoint, "url", endpoint, "offersd API endpoint")
		fs.StringVar(&common.token, "token", os.Getenv("OFFERSD_TOKEN"), "bearer token")
	}
	return fs
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr, nil)
	var (
		secret  string
		subject string
		issuer  string
		ttl     time.Duration
	)
	fs.StringVar(&secret, "secret", os.Getenv(secretEnv), "HMAC secret shared with offersd (prompted when empty)")
	fs.StringVar(&subject, "account", "", "account the token acts for")
	fs.StringVar(&issuer, "issuer", "", "optional issuer claim")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(subject) == "" {
		return printError(stderr, "--account is required")
	}
	if strings.TrimSpace(secret) == "" {
		prompted, err := readSecret()
		if err != nil {
			return printError(stderr, err.Error())
		}
		secret = prompted
	}
	now := cliNow()
	claims := jwt.MapClaims{"sub": subject, "iat": now.Unix(), "exp": now.Add(ttl).Unix()}
	if issuer != "" {
		claims["iss"] = issuer
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, signed)
	return 0
}

func runDeposit(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("deposit", stderr, &common)
	var (
		kind         string
		contract     string
		amount       string
		tokenID      string
		counterparty string
		outContract  string
		outAmount    string
		outToken     string
		offerID      string
		gas          uint64
	)
	fs.StringVar(&kind, "kind", "ft", "deposited asset kind (ft or nft)")
	fs.StringVar(&contract, "contract", "", "deposited asset contract")
	fs.StringVar(&amount, "amount", "", "deposited fungible amount")
	fs.StringVar(&tokenID, "token-id", "", "deposited unique token id")
	fs.StringVar(&counterparty, "counterparty", "", "create: the only account allowed to accept")
	fs.StringVar(&outContract, "want-contract", "", "create: requested asset contract")
	fs.StringVar(&outAmount, "want-amount", "", "create: requested fungible amount")
	fs.StringVar(&outToken, "want-token", "", "create: requested unique token id")
	fs.StringVar(&offerID, "offer", "", "offer id to accept, or optional id for a new offer")
	fs.Uint64Var(&gas, "gas", 0, "attached gas in TGas (0 uses the server default)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if contract == "" {
		return printError(stderr, "--contract is required")
	}
	asset := map[string]string{"kind": kind, "contract": contract}
	switch strings.ToLower(kind) {
	case "nft", "unique":
		if tokenID == "" {
			return printError(stderr, "--token-id is required for nft deposits")
		}
		asset["token_id"] = tokenID
	default:
		if amount == "" {
			return printError(stderr, "--amount is required for ft deposits")
		}
		asset["amount"] = amount
	}
	instruction := map[string]string{}
	if offerID != "" {
		instruction["offer_id"] = offerID
	}
	if counterparty != "" {
		instruction["counterparty"] = counterparty
		switch {
		case outToken != "":
			instruction["asset_out_nft_contract"] = outContract
			instruction["asset_out_token"] = outToken
		default:
			instruction["asset_out_ft_contract"] = outContract
			instruction["asset_out_amount"] = outAmount
		}
	} else if offerID == "" {
		return printError(stderr, "either --counterparty (create) or --offer (accept) is required")
	}
	body := map[string]interface{}{"asset": asset, "instruction": instruction}
	if gas > 0 {
		body["gas_tgas"] = gas
	}
	return printResult(stdout, stderr)(apiCall(common, http.MethodPost, "/v1/deposits", body))
}

func runWithdraw(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("withdraw", stderr, &common)
	var (
		offerID string
		gas     uint64
	)
	fs.StringVar(&offerID, "offer", "", "offer id to withdraw")
	fs.Uint64Var(&gas, "gas", 0, "attached gas in TGas (0 uses the server default)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if offerID == "" {
		return printError(stderr, "--offer is required")
	}
	body := map[string]interface{}{}
	if gas > 0 {
		body["gas_tgas"] = gas
	}
	return printResult(stdout, stderr)(apiCall(common, http.MethodPost, "/v1/offers/"+url.PathEscape(offerID)+"/withdraw", body))
}

func runGet(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("get", stderr, &common)
	var offerID string
	fs.StringVar(&offerID, "offer", "", "offer id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if offerID == "" {
		return printError(stderr, "--offer is required")
	}
	return printResult(stdout, stderr)(apiCall(common, http.MethodGet, "/v1/offers/"+url.PathEscape(offerID), nil))
}

func runList(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("list", stderr, &common)
	var (
		maker        string
		counterparty string
		offset       uint64
		limit        uint64
	)
	fs.StringVar(&maker, "maker", "", "list offers made by account")
	fs.StringVar(&counterparty, "counterparty", "", "list offers addressed to account")
	fs.Uint64Var(&offset, "offset", 0, "index of the first offer")
	fs.Uint64Var(&limit, "limit", 20, "maximum offers returned")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	var path string
	switch {
	case maker != "" && counterparty != "":
		return printError(stderr, "use only one of --maker or --counterparty")
	case maker != "":
		path = "/v1/makers/" + url.PathEscape(maker) + "/offers"
	case counterparty != "":
		path = "/v1/counterparties/" + url.PathEscape(counterparty) + "/offers"
	default:
		return printError(stderr, "--maker or --counterparty is required")
	}
	path += fmt.Sprintf("?offset=%d&limit=%d", offset, limit)
	return printResult(stdout, stderr)(apiCall(common, http.MethodGet, path, nil))
}

func runSettlements(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("settlements", stderr, &common)
	var (
		from  uint64
		limit uint64
	)
	fs.Uint64Var(&from, "from", 1, "first settlement token")
	fs.Uint64Var(&limit, "limit", 20, "maximum records returned")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path := fmt.Sprintf("/v1/settlements?from=%d&limit=%d", from, limit)
	return printResult(stdout, stderr)(apiCall(common, http.MethodGet, path, nil))
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("balance", stderr, &common)
	var contract, account string
	fs.StringVar(&contract, "contract", "", "asset contract")
	fs.StringVar(&account, "account", "", "account")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if contract == "" || account == "" {
		return printError(stderr, "--contract and --account are required")
	}
	path := "/v1/balances/" + url.PathEscape(contract) + "/" + url.PathEscape(account)
	return printResult(stdout, stderr)(apiCall(common, http.MethodGet, path, nil))
}

func printResult(stdout, stderr io.Writer) func(json.RawMessage, error) int {
	return func(raw json.RawMessage, err error) int {
		if err != nil {
			return printError(stderr, err.Error())
		}
		var pretty bytes.Buffer
		if json.Indent(&pretty, raw, "", "  ") != nil {
			fmt.Fprintln(stdout, string(raw))
			return 0
		}
		fmt.Fprintln(stdout, pretty.String())
		return 0
	}
}

func callAPI(common commonFlags, method, path string, body interface{}) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, strings.TrimRight(common.endpoint, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := strings.TrimSpace(common.token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var payload struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return nil, &apiError{Status: resp.StatusCode, Message: msg}
	}
	return json.RawMessage(data), nil
}
