package verifyengine_test

import (
	"context"
	"errors"
	"fmt"

	"github.com/optimode/verifyengine"
)

func exampleConfig() verifyengine.Config {
	cfg := verifyengine.DefaultConfig()
	cfg.DNS.Nameserver = "127.0.0.1:53"
	cfg.Servers = []verifyengine.Server{{ID: "s1", IP: "192.0.2.10", Active: true, VerifierDomain: "verify.example.net"}}
	return cfg
}

func ExampleNew() {
	e, err := verifyengine.New(context.Background(), exampleConfig())
	if err != nil {
		fmt.Println(err)
		return
	}
	defer func() { _ = e.Close() }()

	// Syntax is checked before any network traffic.
	result, _ := e.Verify(context.Background(), "missing-at-sign")
	fmt.Println(result.Classification, result.Reason)
	// Output: invalid syntax
}

func ExampleEngine_Submit() {
	e, _ := verifyengine.New(context.Background(), exampleConfig())
	defer func() { _ = e.Close() }()

	receipt, _ := e.Submit(context.Background(), verifyengine.JobRequest{
		JobID:     "job-42",
		OwnerID:   "acme",
		Addresses: []string{"alice@example.com", "bob@example.com"},
	})
	fmt.Println(receipt.JobID, receipt.Mode, receipt.ChunkCount, receipt.Status)

	_, err := e.Submit(context.Background(), verifyengine.JobRequest{OwnerID: "acme"})
	fmt.Println(errors.Is(err, verifyengine.ErrEmptyJob))
	// Output:
	// job-42 standard 1 pending
	// true
}

func ExampleEngine_SetPaused() {
	e, _ := verifyengine.New(context.Background(), exampleConfig())
	defer func() { _ = e.Close() }()

	_ = e.SetPaused(true)
	_, err := e.Verify(context.Background(), "alice@example.com")
	fmt.Println(errors.Is(err, verifyengine.ErrPaused))
	// Output: true
}

func ExampleResults_Counts() {
	results := verifyengine.Results{
		{Email: "alice@example.com", Classification: verifyengine.Valid},
		{Email: "bob@example.com", Classification: verifyengine.Invalid},
		{Email: "carol@example.com", Classification: verifyengine.Tempfail},
	}
	c := results.Counts()
	fmt.Println(c.Valid, c.Invalid, c.Tempfail, len(results.Retryable()))
	// Output: 1 1 1 1
}
