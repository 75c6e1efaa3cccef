// keytool is an operator CLI for bootstrap secrets: generating the master
// encryption key and minting session tokens directly into the database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/af-corp/relay-gateway/internal/auth"
	"github.com/af-corp/relay-gateway/internal/byok"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "master-key":
		key, err := byok.GenerateMasterKey()
		if err != nil {
			log.Fatalf("failed to generate master key: %v", err)
		}
		fmt.Println(key)

	case "session":
		mintSession(os.Args[2:])

	case "inspect-backup":
		inspectBackup(os.Args[2:])

	default:
		usage()
	}
}

func mintSession(args []string) {
	fs := flag.NewFlagSet("session", flag.ExitOnError)
	userID := fs.String("user", "", "user ID the session belongs to")
	name := fs.String("name", "cli", "display name for the session")
	ttl := fs.Duration("ttl", 90*24*time.Hour, "session lifetime")
	env := fs.String("env", "prod", "token environment: prod or dev")
	dbURL := fs.String("db-url", os.Getenv("DATABASE_URL"), "database URL")
	fs.Parse(args)

	if *userID == "" {
		log.Fatal("-user is required")
	}
	if *dbURL == "" {
		log.Fatal("-db-url or DATABASE_URL is required")
	}

	token, err := auth.GenerateToken(*env)
	if err != nil {
		log.Fatalf("failed to generate token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, *dbURL)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	id := uuid.New().String()
	_, err = pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, display_name, token_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		id, *userID, *name, auth.HashToken(token), time.Now().Add(*ttl))
	if err != nil {
		log.Fatalf("failed to insert session: %v", err)
	}

	fmt.Printf("session: %s\ntoken:   %s\n", id, token)
	fmt.Println("store the token now; only its hash is persisted")
}

// inspectBackup lists the contents of a key export without decrypting any
// vendor secret; the inner ciphertexts stay sealed under the master key.
func inspectBackup(args []string) {
	fs := flag.NewFlagSet("inspect-backup", flag.ExitOnError)
	path := fs.String("file", "", "path to the export file")
	passphrase := fs.String("passphrase", "", "export passphrase")
	fs.Parse(args)

	if *path == "" || *passphrase == "" {
		log.Fatal("-file and -passphrase are required")
	}

	blob, err := os.ReadFile(*path)
	if err != nil {
		log.Fatalf("failed to read export: %v", err)
	}

	pkg, err := byok.OpenExport(blob, *passphrase)
	if err != nil {
		log.Fatalf("failed to open export: %v", err)
	}

	fmt.Printf("user:     %s\nexported: %s\nkeys:     %d\n",
		pkg.UserID, pkg.ExportedAt.Format(time.RFC3339), len(pkg.Items))
	for _, item := range pkg.Items {
		fmt.Printf("  %-12s %-20s %s (%d bytes sealed)\n",
			item.Vendor, item.KeyName, item.ID, len(item.Ciphertext))
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: keytool <command>

commands:
  master-key       generate a hex-encoded AES-256 master key
  session          mint a session token (see: keytool session -h)
  inspect-backup   list the entries in a key export file`)
	os.Exit(1)
}
