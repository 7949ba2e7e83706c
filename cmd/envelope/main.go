// Command envelope seals a JSON document read from stdin into a portal
// envelope, opens one back into JSON, or submits one to a running portal.
// Keys come from the same config file and PORTAL_ environment variables the
// server reads.
//
//	echo '{"username":"alice"}' | envelope seal
//	envelope open -verify < captured.json
//	echo '{"username":"alice","password":"..."}' | envelope send -url http://localhost:8080 -path /api/auth/login
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dd0wney/cluso-portal/pkg/api"
	"github.com/dd0wney/cluso-portal/pkg/config"
	"github.com/dd0wney/cluso-portal/pkg/envelope"
	"github.com/dd0wney/cluso-portal/pkg/transport"
)

// maxInput bounds how much of stdin is read.
const maxInput = 10 << 20

var errUsage = errors.New("usage: envelope [-config file] seal|open|send [-verify] [-indent] [-url base -path route -token t]")

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("envelope", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "", "Path to a YAML config file")
	verify := fs.Bool("verify", false, "open: check freshness and signature before decrypting")
	indent := fs.Bool("indent", false, "Indent the output")
	baseURL := fs.String("url", "", "send: portal base URL")
	path := fs.String("path", "", "send: route to submit to")
	token := fs.String("token", "", "send: bearer session token")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, errUsage)
		return 2
	}
	cmd := fs.Arg(0)
	// flags may follow the command
	if err := fs.Parse(fs.Args()[1:]); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, errUsage)
		return 2
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(stderr, "envelope: %v\n", err)
		return 1
	}
	builder := api.NewBuilder(cfg.Crypto)

	in, err := io.ReadAll(io.LimitReader(stdin, maxInput))
	if err != nil {
		fmt.Fprintf(stderr, "envelope: read stdin: %v\n", err)
		return 1
	}

	var out any
	switch cmd {
	case "seal":
		out, err = seal(builder, in)
	case "open":
		out, err = open(builder, in, *verify, cfg.Crypto.RequireSignature)
	case "send":
		if *baseURL == "" || *path == "" {
			fmt.Fprintln(stderr, errUsage)
			return 2
		}
		client := api.NewClient(cfg, transport.WithBaseURL(*baseURL), transport.WithTokenStore(transport.StaticToken(*token)))
		out, err = send(client, *path, in)
	default:
		fmt.Fprintln(stderr, errUsage)
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "envelope: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	if *indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(stderr, "envelope: %v\n", err)
		return 1
	}
	return 0
}

func seal(b *envelope.Builder, in []byte) (*envelope.Envelope, error) {
	var payload any
	if err := json.Unmarshal(bytes.TrimSpace(in), &payload); err != nil {
		return nil, fmt.Errorf("stdin is not JSON: %w", err)
	}
	return b.Create(payload)
}

// open decrypts an envelope. With verify it applies the checks the server
// applies: a signature is verified when present and required only when
// crypto.require_signature is set.
func open(b *envelope.Builder, in []byte, verify, requireSignature bool) (any, error) {
	env, err := envelope.ParseEnvelope(in)
	if err != nil {
		return nil, err
	}
	if !verify {
		return b.Decrypt(env)
	}
	switch {
	case env.Signature != "":
		if b.Signer() == nil {
			return nil, envelope.ErrInvalidSignature
		}
		if err := envelope.VerifySignature(b.Signer(), env); err != nil {
			return nil, err
		}
	case requireSignature:
		return nil, errors.New(transport.MsgSignatureMissing)
	}
	return b.Open(env)
}

func send(c *transport.Client, path string, in []byte) (any, error) {
	var payload any
	if err := json.Unmarshal(bytes.TrimSpace(in), &payload); err != nil {
		return nil, fmt.Errorf("stdin is not JSON: %w", err)
	}
	out := c.Submit(context.Background(), path, payload)
	if err := c.State().Snapshot().Error; err != nil {
		return nil, err
	}
	return out, nil
}
