// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

func TestParseArgs(t *testing.T) {
	action, args, err := parseArgs([]string{"balance", "script=0014ab", "new=true"})
	if err != nil {
		t.Fatal(err)
	}
	if action != "balance" || args["script"] != "0014ab" || args["new"] != "true" {
		t.Fatalf("unexpected %v %v", action, args)
	}
	for _, bad := range [][]string{
		{"balance", "script"},
		{"balance", "=x"},
		{"balance", "x="},
	} {
		if _, _, err := parseArgs(bad); err == nil {
			t.Fatalf("expected error for %v", bad)
		}
	}
}

func TestScriptFromArgs(t *testing.T) {
	params := &chaincfg.RegressionNetParams

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pub := priv.PubKey().SerializeCompressed()
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub), params)
	if err != nil {
		t.Fatal(err)
	}
	want, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatal(err)
	}

	for _, args := range []map[string]string{
		{"address": addr.EncodeAddress()},
		{"pubkey": hex.EncodeToString(pub)},
		{"script": hex.EncodeToString(want)},
	} {
		got, err := scriptFromArgs(params, args)
		if err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("%v: got %x, want %x", args, got, want)
		}
	}

	for _, args := range []map[string]string{
		{},
		{"address": "nope"},
		{"pubkey": "00"},
		{"script": "zz"},
	} {
		if _, err := scriptFromArgs(params, args); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}
