// Command proctorverify is a standalone tool for verifying a proctoring
// audit chain.
//
// It opens the ledger database directly and recomputes every block digest
// and chain link, without requiring a running proctord daemon, making it
// suitable for:
// - Offline verification
// - Third-party audits
// - Automated verification pipelines
//
// Usage:
//
//	proctorverify [flags] <ledger.db>
//
// Examples:
//
//	# Basic verification
//	proctorverify ledger.db
//
//	# JSON output for programmatic processing
//	proctorverify -format json ledger.db
//
//	# Verify a window of the chain with signature checking
//	proctorverify -from 1000 -limit 500 -pubkey signing_key.pub ledger.db
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/goelprasang2004/smart-proctoring-system/internal/ledger"
)

var (
	// Version information (set at build time)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	fromSeq := flag.Int64("from", 0, "first sequence number to verify")
	limit := flag.Int64("limit", 0, "number of blocks to verify (0 = to the end)")
	pubKeyPath := flag.String("pubkey", "", "ed25519 public key for signature verification")
	formatStr := flag.String("format", "text", "output format: text, json")
	output := flag.String("output", "", "output file (default: stdout)")
	timeout := flag.Duration("timeout", 5*time.Minute, "verification timeout")
	quiet := flag.Bool("quiet", false, "quiet mode - only print result code")
	exitCode := flag.Bool("exit-code", true, "exit with non-zero code on verification failure")
	versionFlag := flag.Bool("version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "proctorverify - Verify a proctoring audit chain\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <ledger.db>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s ledger.db\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -format json -from 1000 -limit 500 ledger.db\n", os.Args[0])
	}

	flag.Parse()

	if *versionFlag {
		fmt.Printf("proctorverify %s (commit: %s, built: %s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: ledger database required\n\n")
		flag.Usage()
		os.Exit(2)
	}
	dbPath := flag.Arg(0)

	if *formatStr != "text" && *formatStr != "json" {
		fmt.Fprintf(os.Stderr, "Error: unknown format: %s (use text or json)\n", *formatStr)
		os.Exit(2)
	}

	var pubKey ed25519.PublicKey
	if *pubKeyPath != "" {
		key, err := loadPublicKey(*pubKeyPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading public key: %v\n", err)
			os.Exit(2)
		}
		pubKey = key
	}

	store, err := ledger.OpenReadOnly(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening ledger: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	verifier := ledger.NewVerifier(store, pubKey)
	report, err := verifier.Verify(ctx, *fromSeq, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Verification error: %v\n", err)
		os.Exit(1)
	}

	var w io.Writer = os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating output file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	if !*quiet {
		if *formatStr == "json" {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				fmt.Fprintf(os.Stderr, "Error writing report: %v\n", err)
				os.Exit(1)
			}
		} else {
			writeTextReport(w, report, pubKey != nil)
		}
	}

	if *exitCode && !report.IsValid {
		os.Exit(1)
	}
}

// writeTextReport prints a human-readable verification report.
func writeTextReport(w io.Writer, report *ledger.VerificationResult, signatures bool) {
	fmt.Fprintf(w, "Blocks checked:  %d (sequence %d..%d)\n", report.BlocksChecked, report.FromSequence, report.ToSequence)
	if signatures {
		fmt.Fprintf(w, "Signatures:      checked\n")
	}
	if report.IsValid {
		fmt.Fprintf(w, "Result:          VALID\n")
		return
	}

	fmt.Fprintf(w, "Result:          INVALID (%d violations)\n\n", len(report.Errors))
	for _, v := range report.Errors {
		fmt.Fprintf(w, "  seq %d: %s: %s\n", v.Sequence, v.Kind, v.Detail)
	}
}

// loadPublicKey reads an ed25519 public key, accepting raw 32-byte, hex, and
// OpenSSH authorized_keys formats.
func loadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}

	if len(data) == ed25519.PublicKeySize {
		return ed25519.PublicKey(data), nil
	}

	trimmed := strings.TrimSpace(string(data))
	if decoded, err := hex.DecodeString(trimmed); err == nil && len(decoded) == ed25519.PublicKeySize {
		return ed25519.PublicKey(decoded), nil
	}

	sshKey, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, fmt.Errorf("unsupported public key format: %w", err)
	}
	cryptoKey, ok := sshKey.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type %s", sshKey.Type())
	}
	edKey, ok := cryptoKey.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an ed25519 key: %s", sshKey.Type())
	}
	return edKey, nil
}
