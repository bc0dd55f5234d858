package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	btclog "github.com/btcsuite/btclog/v2"

	"walletlink/bundle"
	"walletlink/config"
	"walletlink/importer"
	"walletlink/pairing"
	"walletlink/session"
	"walletlink/transport"
	"walletlink/vault"
)

func main() {
	mode := flag.String("mode", "host", "host shows a pairing code and receives; join enters a code and sends")
	code := flag.String("code", "", "pairing code of the host device (join mode)")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		enableLogging()
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	device, err := config.LoadOrCreateDevice(cfg.DataDir)
	if err != nil {
		log.Fatalf("startup failed while loading device identity: %v", err)
	}

	fmt.Printf("Device ID:       %s\n", device.DeviceID)
	fmt.Printf("Device Name:     %s\n", device.DeviceName)
	fmt.Printf("Relay Endpoint:  %s\n", cfg.RelayEndpoint)
	fmt.Printf("Data Directory:  %s\n", cfg.DataDir)

	store, err := vault.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("startup failed while opening vault: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("vault close error: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if check := transport.VerifyEndpoint(ctx, healthBaseURL(cfg.RelayEndpoint)); !check.IsValid {
		log.Printf("relay health probe failed for %s, connecting anyway", cfg.RelayEndpoint)
	}

	client, err := transport.Dial(ctx, cfg.RelayEndpoint)
	if err != nil {
		log.Fatalf("startup failed while connecting to relay: %v", err)
	}
	defer client.Close()

	sess := session.New(client, session.DeviceInfo{
		PlatformName: cfg.AppPlatform,
		Version:      cfg.AppVersion,
		BuildNumber:  cfg.AppBuildNumber,
		Platform:     cfg.AppPlatform,
		DeviceName:   device.DeviceName,
	})
	defer sess.ClearSensitiveData()

	switch *mode {
	case "host":
		err = runHost(ctx, cfg, store, sess)
	case "join":
		err = runJoin(ctx, cfg, store, sess, *code)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", *mode, err)
	}
}

// runHost shows a pairing code, waits for the peer's bundle and imports
// it into the local vault.
func runHost(ctx context.Context, cfg *config.Config, store *vault.Store, sess *session.Session) error {
	pairingCode, err := sess.StartPairing(ctx)
	if err != nil {
		return err
	}
	defer sess.LeaveRoom(context.Background())

	if png, err := pairing.QRCodePNG(pairingCode.CodeWithSeparator, pairing.DefaultQRSize); err == nil {
		qrPath := filepath.Join(cfg.DataDir, "pairing.png")
		if err := os.WriteFile(qrPath, png, 0o600); err == nil {
			fmt.Printf("QR Code:         %s\n", qrPath)
		}
	}
	fmt.Printf("Pairing Code:    %s\n", pairingCode.CodeWithSeparator)
	fmt.Println("Waiting for the other device...")

	data, err := sess.ReceiveTransferData(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Received bundle from app version %s\n", data.AppVersion)

	localPassword, err := promptLine("Vault password: ")
	if err != nil {
		return err
	}
	service, err := vault.NewService(store, localPassword)
	if err != nil {
		return err
	}
	defer service.Close()

	transferPassword := ""
	if !data.IsWatchingOnly && !data.IsEmptyData {
		transferPassword, err = promptLine("Transfer password of the sending device: ")
		if err != nil {
			return err
		}
	}

	bundle.RemapUnknownNetworks(data, service)
	selected := bundle.Select(data, selectEverything(data))

	engine := importer.New(service, service)
	engine.SetProgressListener(func(p importer.Progress) {
		if p.IsImporting {
			fmt.Printf("\rImporting %d/%d", p.Current, p.Total)
		}
	})

	result, err := engine.StartImport(ctx, selected, transferPassword)
	if err != nil {
		return err
	}
	fmt.Println()
	for _, itemErr := range result.ErrorsInfo {
		fmt.Printf("Skipped %s %s%s: %s\n", itemErr.Category, itemErr.WalletID, itemErr.AccountID, itemErr.Error)
	}
	if result.Success {
		fmt.Printf("Import finished with %d errors\n", len(result.ErrorsInfo))
	} else {
		fmt.Println("Import cancelled")
	}
	return nil
}

// runJoin enters a pairing code, authenticates the room and sends this
// device's bundle to the host.
func runJoin(ctx context.Context, cfg *config.Config, store *vault.Store, sess *session.Session, code string) error {
	if code == "" {
		var err error
		code, err = promptLine("Pairing code: ")
		if err != nil {
			return err
		}
	}

	if err := sess.JoinWithCode(ctx, code); err != nil {
		return err
	}
	defer sess.LeaveRoom(context.Background())

	if err := sess.VerifyPairingCode(ctx, code); err != nil {
		return err
	}
	fmt.Println("Paired.")

	data, err := bundle.Build(ctx, store, cfg.AppVersion)
	if err != nil {
		return err
	}

	// Secrets only leave this device once the password proves the
	// credential blobs are actually recoverable.
	if !data.IsWatchingOnly && !data.IsEmptyData {
		localPassword, err := promptLine("Vault password: ")
		if err != nil {
			return err
		}
		for id, credential := range data.PrivateData.Credentials {
			if err := vault.VerifyCredential(credential, localPassword); err != nil {
				return fmt.Errorf("credential %s: %w", id, err)
			}
		}
	}

	if err := sess.SendTransferData(ctx, data); err != nil {
		return err
	}
	fmt.Println("Bundle sent.")
	return nil
}

// selectEverything checks every item of a bundle for import.
func selectEverything(data *bundle.TransferData) bundle.SelectionMap {
	selection := bundle.SelectionMap{
		Wallet:          map[string]bundle.SelectionInfo{},
		ImportedAccount: map[string]bundle.SelectionInfo{},
		WatchingAccount: map[string]bundle.SelectionInfo{},
	}
	for id := range data.PrivateData.Wallets {
		selection.Wallet[id] = bundle.SelectionInfo{Checked: true}
	}
	for id := range data.PrivateData.ImportedAccounts {
		selection.ImportedAccount[id] = bundle.SelectionInfo{Checked: true}
	}
	for id := range data.PrivateData.WatchingAccounts {
		selection.WatchingAccount[id] = bundle.SelectionInfo{Checked: true}
	}
	return selection
}

// healthBaseURL turns a websocket relay endpoint into the http base the
// health route lives under.
func healthBaseURL(endpoint string) string {
	endpoint = strings.TrimSuffix(endpoint, "/ws")
	if rest, ok := strings.CutPrefix(endpoint, "wss://"); ok {
		return "https://" + rest
	}
	if rest, ok := strings.CutPrefix(endpoint, "ws://"); ok {
		return "http://" + rest
	}
	return endpoint
}

func promptLine(prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func enableLogging() {
	logger := btclog.NewSLogger(btclog.NewDefaultHandler(os.Stdout))
	logger.SetLevel(btclog.LevelDebug)

	transport.UseLogger(logger)
	session.UseLogger(logger)
	importer.UseLogger(logger)
	vault.UseLogger(logger)
}
