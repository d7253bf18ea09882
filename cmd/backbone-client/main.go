// Command backbone-client is a minimal Backbone peer: it loads or
// generates a keypair under a client directory, connects to a server,
// prints every inbound message to stdout, and relays lines from stdin
// as C2C messages to a chosen recipient. Grounded on cmd/server.go's
// cobra.Command + persistent-flags shape, generalized to the client side.
package main

import (
	"bufio"
	"context"
	"crypto/rsa"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	backboneclient "github.com/backbone-project/backbone/client"
	"github.com/backbone-project/backbone/internal/cryptoutil"
	"github.com/backbone-project/backbone/internal/identity"
	"github.com/backbone-project/backbone/internal/message"
)

var (
	flagAddr      string
	flagClientDir string
	flagRecipient string
)

var rootCmd = &cobra.Command{
	Use:   "backbone-client",
	Short: "Backbone peer: connects to a relay hub and exchanges C2C messages",
	RunE:  runClient,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagAddr, "addr", "127.0.0.1:4000", "server address")
	flags.StringVar(&flagClientDir, "client-dir", "./.client", "directory holding this client's keypair")
	flags.StringVar(&flagRecipient, "id", "", "hex ClientId to send stdin lines to")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("[backbone-client] fatal")
	}
}

func runClient(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, priv, err := loadOrGenerateClientKey(flagClientDir)
	if err != nil {
		return err
	}
	log.Info().Str("client_id", id.String()).Msg("[backbone-client] identity")

	c := backboneclient.New(id, priv)
	if err := c.Start(flagAddr); err != nil {
		return fmt.Errorf("backbone-client: handshake: %w", err)
	}
	log.Info().Str("addr", flagAddr).Msg("[backbone-client] connected")

	go printInbound(c)
	if flagRecipient != "" {
		go relayStdin(c, flagRecipient)
	}

	<-ctx.Done()
	log.Info().Msg("[backbone-client] shutting down")
	c.Stop()

	return nil
}

func printInbound(c *backboneclient.Client) {
	for {
		msg, ok := c.Read(true)
		if !ok {
			return
		}
		fmt.Printf("%s: %s\n", msg.Recipient.String(), string(msg.Payload))
	}
}

func relayStdin(c *backboneclient.Client, recipientHex string) {
	recipient, err := identity.FromHex(recipientHex)
	if err != nil {
		log.Error().Err(err).Str("id", recipientHex).Msg("[backbone-client] bad recipient id")
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		msg := message.NewC2C(recipient, []byte(line))
		if _, err := c.Send(msg); err != nil {
			log.Error().Err(err).Msg("[backbone-client] send failed")
			return
		}
	}
}

// loadOrGenerateClientKey looks for an existing private key file under
// dir (named by its own hex ClientId, per the on-disk layout) and
// generates a fresh identity on first run.
func loadOrGenerateClientKey(dir string) (identity.ClientId, *rsa.PrivateKey, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return identity.ClientId{}, nil, fmt.Errorf("backbone-client: mkdir %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return identity.ClientId{}, nil, fmt.Errorf("backbone-client: read %s: %w", dir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, ".pub") {
			continue
		}
		id, err := identity.FromHex(name)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return identity.ClientId{}, nil, fmt.Errorf("backbone-client: read key %s: %w", name, err)
		}
		priv, err := cryptoutil.DeserializePrivate(data)
		if err != nil {
			return identity.ClientId{}, nil, fmt.Errorf("backbone-client: parse key %s: %w", name, err)
		}
		return id, priv, nil
	}

	id := identity.New()
	priv, err := cryptoutil.GenerateKey()
	if err != nil {
		return identity.ClientId{}, nil, fmt.Errorf("backbone-client: generate key: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, id.String()), cryptoutil.SerializePrivate(priv), 0o600); err != nil {
		return identity.ClientId{}, nil, fmt.Errorf("backbone-client: persist private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, id.String()+".pub"), cryptoutil.SerializePublic(&priv.PublicKey), 0o600); err != nil {
		return identity.ClientId{}, nil, fmt.Errorf("backbone-client: persist public key: %w", err)
	}
	log.Info().Str("client_id", id.String()).Msg("[backbone-client] generated new identity")

	return id, priv, nil
}
