package main

import (
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Future998/openuds/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "blob":
		runBlob(os.Args[2:])
	case "secret":
		runSecret(os.Args[2:])
	case "check":
		runCheck(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: udstool <command> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  blob    Encode/decode a config blob (JSON <-> base64 CBOR)")
	fmt.Fprintln(os.Stderr, "  secret  Generate a broker auth token")
	fmt.Fprintln(os.Stderr, "  check   Validate a config file")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Examples:")
	fmt.Fprintln(os.Stderr, "  udstool blob -in udstunnel.json")
	fmt.Fprintln(os.Stderr, "  udstool blob -decode -in udstunnel.blob -out udstunnel.json")
	fmt.Fprintln(os.Stderr, "  udstool secret")
	fmt.Fprintln(os.Stderr, "  udstool check -in udstunnel.json")
}

func runBlob(args []string) {
	fs := flag.NewFlagSet("blob", flag.ExitOnError)
	decode := fs.Bool("decode", false, "decode a blob into JSON")
	inPath := fs.String("in", "", "input file (defaults to stdin)")
	outPath := fs.String("out", "", "output file (defaults to stdout)")
	_ = fs.Parse(args)

	input, err := readInput(*inPath)
	if err != nil {
		fatalf("blob read input: %v", err)
	}

	if *decode {
		cfg, err := config.DecodeBlob(string(input))
		if err != nil {
			fatalf("blob decode: %v", err)
		}
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			fatalf("blob decode: %v", err)
		}
		if err := writeOutput(*outPath, out); err != nil {
			fatalf("blob write output: %v", err)
		}
		return
	}

	var cfg config.Config
	if err := json.Unmarshal(input, &cfg); err != nil {
		fatalf("blob parse config: %v", err)
	}
	blob, err := config.EncodeBlob(cfg)
	if err != nil {
		fatalf("blob encode: %v", err)
	}
	if err := writeOutput(*outPath, []byte(blob)); err != nil {
		fatalf("blob write output: %v", err)
	}
}

func runSecret(args []string) {
	fs := flag.NewFlagSet("secret", flag.ExitOnError)
	length := fs.Int("length", 48, "token length in characters")
	_ = fs.Parse(args)

	if *length < 16 {
		fatalf("length must be >= 16")
	}
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, *length)
	if _, err := rand.Read(buf); err != nil {
		fatalf("secret: %v", err)
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	fmt.Println(string(buf))
}

func runCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	inPath := fs.String("in", "", "config file to validate")
	_ = fs.Parse(args)

	if *inPath == "" {
		fatalf("check: -in required")
	}
	cfg, err := config.LoadFile(*inPath)
	if err != nil {
		fatalf("check: %v", err)
	}
	if err := cfg.Normalize(); err != nil {
		fatalf("check: %v", err)
	}
	if _, err := cfg.TLSConfig(); err != nil {
		fatalf("check: %v", err)
	}
	fmt.Println("config ok")
}

func readInput(path string) ([]byte, error) {
	if path == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write([]byte("\n"))
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
