// kioskctl talks to the portal's kiosk API with a kiosk key. It is used to
// provision kiosks and to issue or credit time by hand.
package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli/v2"

	"github.com/bottlescan/portal/internal/kiosk"
)

func main() {
	newApp().RunAndExitOnError()
}

func newApp() *cli.App {
	app := &cli.App{
		Name:  "kioskctl",
		Usage: "kiosk-side CLI for the BottleScan portal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "portal-url",
				Value:   "http://localhost:8080",
				EnvVars: []string{"PORTAL_URL"},
			},
			&cli.StringFlag{
				Name:    "key",
				Usage:   "kiosk private key (hex)",
				EnvVars: []string{"KIOSK_KEY"},
			},
		},
	}
	earnFlags := []cli.Flag{
		&cli.StringFlag{
			Name:  "identity",
			Usage: "client address the time is for",
		},
		&cli.IntFlag{
			Name:  "bottles",
			Value: 1,
		},
	}
	app.Commands = []*cli.Command{
		&cli.Command{
			Name:   "keygen",
			Usage:  "create a new kiosk key and print it with its address",
			Action: runKeygen,
		},
		&cli.Command{
			Name:   "address",
			Usage:  "print the address to put on the portal allowlist",
			Action: runAddress,
		},
		&cli.Command{
			Name:   "issue",
			Usage:  "issue a voucher code; without --identity anyone may redeem it",
			Flags:  earnFlags,
			Action: runIssue,
		},
		&cli.Command{
			Name:   "credit",
			Usage:  "add time straight to an identity's balance",
			Flags:  earnFlags,
			Action: runCredit,
		},
		&cli.Command{
			Name:   "balances",
			Usage:  "list tracked balances",
			Action: runBalances,
		},
	}
	return app
}

func client(cctx *cli.Context) (*kiosk.Client, error) {
	if cctx.String("key") == "" {
		return nil, fmt.Errorf("--key or KIOSK_KEY is required")
	}
	key, err := kiosk.LoadKey(cctx.String("key"))
	if err != nil {
		return nil, err
	}
	return kiosk.NewClient(cctx.String("portal-url"), key), nil
}

func runKeygen(cctx *cli.Context) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	return printJSON(cctx.App.Writer, map[string]string{
		"key":     hex.EncodeToString(crypto.FromECDSA(key)),
		"address": crypto.PubkeyToAddress(key.PublicKey).Hex(),
	})
}

func runAddress(cctx *cli.Context) error {
	c, err := client(cctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cctx.App.Writer, c.Address())
	return nil
}

func runIssue(cctx *cli.Context) error {
	c, err := client(cctx)
	if err != nil {
		return err
	}
	v, err := c.IssueVoucher(cctx.Context, cctx.String("identity"), cctx.Int("bottles"))
	if err != nil {
		return err
	}
	return printJSON(cctx.App.Writer, v)
}

func runCredit(cctx *cli.Context) error {
	if cctx.String("identity") == "" {
		return fmt.Errorf("--identity is required")
	}
	c, err := client(cctx)
	if err != nil {
		return err
	}
	out, err := c.Credit(cctx.Context, cctx.String("identity"), cctx.Int("bottles"))
	if err != nil {
		return err
	}
	return printJSON(cctx.App.Writer, out)
}

func runBalances(cctx *cli.Context) error {
	c, err := client(cctx)
	if err != nil {
		return err
	}
	out, err := c.Balances(cctx.Context)
	if err != nil {
		return err
	}
	return printJSON(cctx.App.Writer, out)
}

func printJSON(w io.Writer, v any) error {
	if w == nil {
		w = os.Stdout
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
