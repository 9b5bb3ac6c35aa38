// Command njsfscrypt is the CLI surface spec.md §6 describes: keygen
// emits fresh key material, mount starts the encrypting overlay
// filesystem.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"golang.org/x/term"

	"github.com/stefanwerfling/njsfscrypt/internal/backend"
	"github.com/stefanwerfling/njsfscrypt/internal/blockcipher"
	"github.com/stefanwerfling/njsfscrypt/internal/dispatcher"
	"github.com/stefanwerfling/njsfscrypt/internal/fuseadapter"
	"github.com/stefanwerfling/njsfscrypt/internal/statsink"
	"github.com/stefanwerfling/njsfscrypt/internal/store"
	"github.com/stefanwerfling/njsfscrypt/internal/store/objectmirror"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "keygen":
		runKeygen(os.Args[2:])
	case "mount":
		runMount(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  njsfscrypt keygen [length]")
	fmt.Fprintln(os.Stderr, "  njsfscrypt mount <storagePath> <mountPath> <hexKey|->")
}

// runKeygen emits a lowercase hex string of length random bytes (default
// 32). Exit 0 on success, 1 on a non-positive or non-integer length.
func runKeygen(args []string) {
	length := blockcipher.KeySize
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			fmt.Fprintf(os.Stderr, "length must be a positive integer\n")
			os.Exit(1)
		}
		length = n
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hex.EncodeToString(buf))
}

func runMount(args []string) {
	fs := flag.NewFlagSet("mount", flag.ExitOnError)
	plainPrefix := fs.String("plain-prefix", "", "mount prefix served unencrypted via the Pass-through Store (e.g. /plain)")
	plainDir := fs.String("plain-dir", "", "backing directory for -plain-prefix")
	mirrorBucket := fs.String("mirror-bucket", "", "S3 bucket to mirror ciphertext into (optional)")
	mirrorRegion := fs.String("mirror-region", "us-east-1", "region for -mirror-bucket")
	mirrorEndpoint := fs.String("mirror-endpoint", "", "S3-compatible endpoint override (LocalStack, MinIO)")
	mirrorPasswdFile := fs.String("mirror-passwd-file", "", "ACCESS_KEY:SECRET_KEY file for -mirror-bucket (else reads the environment)")
	statsDSN := fs.String("stats-dsn", "", "Postgres connection string for the release-stats audit sink (optional)")
	statsTable := fs.String("stats-table", "njsfscrypt_stats", "table name for -stats-dsn")
	debug := fs.Bool("debug", false, "log every dispatcher operation")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 3 {
		usage()
		os.Exit(1)
	}
	storagePath, mountPath, hexKey := fs.Arg(0), fs.Arg(1), fs.Arg(2)

	if hexKey == "-" {
		read, err := readKeyFromTerminal()
		if err != nil {
			fmt.Fprintf(os.Stderr, "read key: %v\n", err)
			os.Exit(1)
		}
		hexKey = read
	}
	key, err := parseHexKey(hexKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid key: %v\n", err)
		os.Exit(1)
	}
	encrypted, err := store.NewEncryptedStore(storagePath, store.DefaultBlockSize, key)
	if err != nil {
		log.Fatalf("new encrypted store: %v", err)
	}

	var rootBackend = encryptedBackendWithMirror(encrypted, *mirrorBucket, *mirrorRegion, *mirrorEndpoint, *mirrorPasswdFile)

	d := dispatcher.New()
	d.SetDebug(*debug)
	if err := d.Register("/", rootBackend); err != nil {
		log.Fatalf("register /: %v", err)
	}
	if *plainPrefix != "" {
		if *plainDir == "" {
			log.Fatal("-plain-dir is required when -plain-prefix is set")
		}
		if err := d.Register(*plainPrefix, store.NewPassthroughStore(*plainDir)); err != nil {
			log.Fatalf("register %s: %v", *plainPrefix, err)
		}
	}

	if *statsDSN != "" {
		sink, err := statsink.New(*statsDSN, *statsTable)
		if err != nil {
			log.Fatalf("stats sink: %v", err)
		}
		defer sink.Close()
		d.SetStatsSink(sink)
	}

	defer d.Close()
	fmt.Printf("mounting %s at %s\n", storagePath, mountPath)
	if err := fuseadapter.Mount(mountPath, d); err != nil {
		log.Fatalf("mount: %v", err)
	}
}

func encryptedBackendWithMirror(encrypted *store.EncryptedStore, bucket, region, endpoint, passwdFile string) backend.Backend {
	if bucket == "" {
		return encrypted
	}
	creds, err := loadMirrorCredentials(passwdFile)
	if err != nil {
		log.Fatalf("mirror credentials: %v", err)
	}
	mirrored, err := objectmirror.New(encrypted, bucket, region, endpoint, "", creds)
	if err != nil {
		log.Fatalf("mirror backend: %v", err)
	}
	return mirrored
}

func loadMirrorCredentials(passwdFile string) (objectmirror.Credentials, error) {
	if passwdFile != "" {
		return objectmirror.LoadFromPasswdFile(passwdFile)
	}
	return objectmirror.LoadFromEnvironment()
}

// readKeyFromTerminal reads a hex key from the terminal without echoing
// it, for the "-" ergonomic shortcut.
func readKeyFromTerminal() (string, error) {
	fmt.Fprint(os.Stderr, "key (hex): ")
	data, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
