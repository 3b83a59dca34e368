// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/davecgh/go-spew/spew"
	"github.com/juju/loggo/v2"

	"github.com/hemilabs/bdm/api/bdmapi"
	"github.com/hemilabs/bdm/config"
	"github.com/hemilabs/bdm/version"
)

const (
	daemonName      = "bdmctl"
	defaultLogLevel = daemonName + "=INFO;bdmapi=INFO;protocol=INFO"
)

var (
	log     = loggo.GetLogger(daemonName)
	welcome string

	bdmURL   string
	network  string
	logLevel string
	cm       = config.CfgMap{
		"BDMCTL_URL": config.Config{
			Value:        &bdmURL,
			DefaultValue: bdmapi.DefaultURL,
			Help:         "bdmd websocket server host and route",
			Print:        config.PrintAll,
		},
		"BDMCTL_NETWORK": config.Config{
			Value:        &network,
			DefaultValue: "regtest",
			Help:         "bitcoin network; mainnet, testnet3, signet or regtest",
			Print:        config.PrintAll,
		},
		"BDMCTL_LOG_LEVEL": config.Config{
			Value:        &logLevel,
			DefaultValue: defaultLogLevel,
			Help:         "loglevel for various packages; INFO, DEBUG and TRACE",
			Print:        config.PrintAll,
		},
	}

	callTimeout = 100 * time.Second

	networks = map[string]*chaincfg.Params{
		"mainnet":  &chaincfg.MainNetParams,
		"testnet3": &chaincfg.TestNet3Params,
		"signet":   &chaincfg.SigNetParams,
		"regtest":  &chaincfg.RegressionNetParams,
	}

	commands = map[string]string{
		"balance":  "address=|pubkey=|script= confirmed and unconfirmed balance",
		"history":  "address=|pubkey=|script= history of a script",
		"newkey":   "reserve an unconfirmed sequence key",
		"ping":     "ping bdmd",
		"status":   "session state and pending signals",
		"submit":   "tx=<hex> submit an unconfirmed transaction",
		"topblock": "height and hash of the applied tip",
		"watch":    "address=|pubkey=|script= [new=true] print signals until interrupted",
	}
)

func parseArgs(args []string) (string, map[string]string, error) {
	if len(args) < 1 {
		usage()
		return "", nil, errors.New("action required")
	}

	action := args[0]
	parsed := make(map[string]string, 10)

	for _, v := range args[1:] {
		s := strings.SplitN(v, "=", 2)
		if len(s) != 2 {
			return "", nil, fmt.Errorf("invalid argument: %v", v)
		}
		if len(s[0]) == 0 || len(s[1]) == 0 {
			return "", nil, fmt.Errorf("expected a=b, got %v", v)
		}
		parsed[s[0]] = s[1]
	}

	return action, parsed, nil
}

// scriptFromArgs returns the output script named by exactly one of the
// address, pubkey or script arguments.
func scriptFromArgs(params *chaincfg.Params, args map[string]string) ([]byte, error) {
	switch {
	case args["address"] != "":
		addr, err := btcutil.DecodeAddress(args["address"], params)
		if err != nil {
			return nil, fmt.Errorf("address: %w", err)
		}
		return txscript.PayToAddrScript(addr)

	case args["pubkey"] != "":
		b, err := hex.DecodeString(args["pubkey"])
		if err != nil {
			return nil, fmt.Errorf("pubkey: %w", err)
		}
		pub, err := btcec.ParsePubKey(b)
		if err != nil {
			return nil, fmt.Errorf("pubkey: %w", err)
		}
		addr, err := btcutil.NewAddressPubKeyHash(
			btcutil.Hash160(pub.SerializeCompressed()), params)
		if err != nil {
			return nil, fmt.Errorf("pubkey: %w", err)
		}
		return txscript.PayToAddrScript(addr)

	case args["script"] != "":
		script, err := hex.DecodeString(args["script"])
		if err != nil {
			return nil, fmt.Errorf("script: %w", err)
		}
		return script, nil
	}
	return nil, errors.New("address, pubkey or script must be set")
}

func magic(params *chaincfg.Params) []byte {
	var m [4]byte
	binary.LittleEndian.PutUint32(m[:], uint32(params.Net))
	return m[:]
}

func printJSON(where io.Writer, indent string, payload any) error {
	w := &bytes.Buffer{}
	e := json.NewEncoder(w)
	e.SetIndent(indent, "    ")
	if err := e.Encode(payload); err != nil {
		return fmt.Errorf("can't encode payload %T: %w", payload, err)
	}
	fmt.Fprintf(where, "%s", w.Bytes())
	return nil
}

type historyEntry struct {
	TxID      string  `json:"txid"`
	Height    uint64  `json:"height,omitempty"`
	Index     uint32  `json:"index,omitempty"`
	Delta     float64 `json:"delta"`
	Confirmed bool    `json:"confirmed"`
}

// session registers a session and goes online. Scripts, when set, are
// watched as a single wallet before going online.
func session(ctx context.Context, c *bdmapi.Client, params *chaincfg.Params, scripts [][]byte, isNew bool) error {
	id, err := c.RegisterSession(ctx, magic(params))
	if err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	log.Debugf("session %v", id)
	if len(scripts) > 0 {
		_, err := c.RegisterWatchedAddresses(ctx, []byte(daemonName),
			scripts, isNew, bdmapi.GroupWallet)
		if err != nil {
			return fmt.Errorf("register watched addresses: %w", err)
		}
	}
	if err := c.GoOnline(ctx); err != nil {
		return fmt.Errorf("go online: %w", err)
	}
	return nil
}

func watch(ctx context.Context, c *bdmapi.Client) error {
	if err := c.RegisterCallback(ctx); err != nil {
		return fmt.Errorf("register callback: %w", err)
	}
	for {
		status, err := c.Status(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("status: %w", err)
		}
		for _, s := range status.Signals {
			fmt.Printf("%v %v %v\n", time.Now().Format(time.RFC3339),
				s.Seq, s.Name)
			c.Ack(s.Seq)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func bdmctl(pctx context.Context, action string, args map[string]string) error {
	params, ok := networks[network]
	if !ok {
		return fmt.Errorf("invalid network: %v", network)
	}
	if _, ok := commands[action]; !ok {
		return fmt.Errorf("unknown command: %v", action)
	}

	ctx, cancel := context.WithCancel(pctx)
	defer cancel()
	if action != "watch" {
		ctx, cancel = context.WithTimeout(ctx, callTimeout)
		defer cancel()
	}

	c, err := bdmapi.NewClient(bdmURL)
	if err != nil {
		return err
	}
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect %v: %w", bdmURL, err)
	}
	defer c.Close()
	go func() {
		if err := c.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("connection: %v", err)
			cancel()
		}
	}()

	if action == "ping" {
		ts, err := c.Ping(ctx)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, "", map[string]any{"timestamp": ts})
	}

	var (
		script []byte
		out    any
	)
	switch action {
	case "balance", "history", "watch":
		script, err = scriptFromArgs(params, args)
		if err != nil {
			return err
		}
	}
	var scripts [][]byte
	if script != nil {
		scripts = [][]byte{script}
	}
	if err := session(ctx, c, params, scripts, args["new"] == "true"); err != nil {
		return err
	}
	defer func() {
		if err := c.UnregisterSession(context.WithoutCancel(ctx)); err != nil {
			log.Debugf("unregister session: %v", err)
		}
	}()

	switch action {
	case "balance":
		b, err := c.Balance(ctx, script)
		if err != nil {
			return err
		}
		out = map[string]any{
			"confirmed":            btcutil.Amount(b.Confirmed).ToBTC(),
			"unconfirmed_received": btcutil.Amount(b.UnconfirmedReceived).ToBTC(),
			"unconfirmed_spent":    btcutil.Amount(b.UnconfirmedSpent).ToBTC(),
		}

	case "history":
		entries, err := c.History(ctx, script)
		if err != nil {
			return err
		}
		h := make([]historyEntry, 0, len(entries))
		for _, e := range entries {
			h = append(h, historyEntry{
				TxID:      e.TxID.String(),
				Height:    e.Height,
				Index:     e.Index,
				Delta:     btcutil.Amount(e.Delta).ToBTC(),
				Confirmed: e.Confirmed,
			})
		}
		out = h

	case "newkey":
		key, err := c.NewUnconfirmedKey(ctx)
		if err != nil {
			return err
		}
		out = map[string]any{"key": key}

	case "status":
		status, err := c.Status(ctx)
		if err != nil {
			return err
		}
		out = map[string]any{
			"state":   status.State.String(),
			"signals": status.Signals,
		}

	case "submit":
		tx, err := hex.DecodeString(args["tx"])
		if err != nil || len(tx) == 0 {
			return fmt.Errorf("tx: must be set to a hex encoded transaction")
		}
		key, err := c.SubmitUnconfirmedTx(ctx, tx)
		if err != nil {
			return err
		}
		out = map[string]any{"key": key}

	case "topblock":
		height, hash, err := c.TopBlock(ctx)
		if err != nil {
			return err
		}
		out = map[string]any{"height": height, "hash": hash.String()}

	case "watch":
		return watch(ctx, c)
	}
	log.Debugf("%v", spew.Sdump(out))

	return printJSON(os.Stdout, "", out)
}

func init() {
	version.Component = daemonName
	welcome = "Hemi Block Data Manager Controller " + version.BuildInfo()
}

func usage() {
	fmt.Fprintf(os.Stderr, "%v\n", welcome)
	fmt.Fprintf(os.Stderr, "\t%v <command> [a=b ...]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "\thelp (this help)\n")
	fmt.Fprintf(os.Stderr, "Environment:\n")
	config.Help(os.Stderr, cm)
	fmt.Fprintf(os.Stderr, "Commands:\n")
	sorted := make([]string, 0, len(commands))
	for k := range commands {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	for _, k := range sorted {
		fmt.Fprintf(os.Stderr, "\t%-9v %v\n", k, commands[k])
	}
}

func _main() error {
	if err := config.Parse(cm); err != nil {
		return err
	}

	if err := loggo.ConfigureLoggers(logLevel); err != nil {
		return err
	}
	log.Debugf("%v", welcome)

	pc := config.PrintableConfig(cm)
	for k := range pc {
		log.Debugf("%v", pc[k])
	}

	action, args, err := parseArgs(flag.Args())
	if err != nil {
		return err
	}
	if action == "help" {
		usage()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt,
		syscall.SIGTERM)
	defer stop()

	return bdmctl(ctx, action, args)
}

func main() {
	flag.Parse()
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if err := _main(); err != nil {
		fmt.Fprintf(os.Stderr, "\n%v: %v\n", daemonName, err)
		os.Exit(1)
	}
}
