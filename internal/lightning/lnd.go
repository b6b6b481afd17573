package lightning

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"boltcard-server/internal/invoice"
	"boltcard-server/pkg/logger"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Config holds the LND connection settings, populated from the
// config.toml [lnd] section.
type Config struct {
	GRPCHost              string
	GRPCPort              string
	TLSCertPath           string
	MacaroonPath          string
	PaymentTimeoutSeconds int
	MaxPaymentFeeSats     int64
}

// macaroonCredential attaches the hex-encoded macaroon as gRPC metadata
// on every RPC so LND can authorize the request.
type macaroonCredential struct {
	macaroon string
}

func (m macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"macaroon": m.macaroon}, nil
}

// RequireTransportSecurity returns true: macaroons must only travel over
// TLS.
func (m macaroonCredential) RequireTransportSecurity() bool {
	return true
}

// LNDBackend implements Backend against an LND node over gRPC.
type LNDBackend struct {
	conn         *grpc.ClientConn
	lnClient     lnrpc.LightningClient
	routerClient routerrpc.RouterClient
	cfg          Config
}

// NewLNDBackend dials LND and validates the connection with a GetInfo
// probe, failing fast if the node is unreachable or the wallet locked.
func NewLNDBackend(cfg Config) (*LNDBackend, error) {
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("could not load tls cert from %s: %w", cfg.TLSCertPath, err)
	}

	macaroonData, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read macaroon file %s: %w", cfg.MacaroonPath, err)
	}
	macaroonCreds := macaroonCredential{macaroon: hex.EncodeToString(macaroonData)}

	addr := cfg.GRPCHost + ":" + cfg.GRPCPort
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macaroonCreds),
	)
	if err != nil {
		return nil, fmt.Errorf("could not dial %s: %w", addr, err)
	}

	lnClient := lnrpc.NewLightningClient(conn)

	info, err := lnClient.GetInfo(context.Background(), &lnrpc.GetInfoRequest{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to LND (is it running? wallet unlocked?): %w", err)
	}

	logger.Info("LND connected",
		zap.String("alias", info.Alias),
		zap.String("pubkey", info.IdentityPubkey),
		zap.Uint32("height", info.BlockHeight),
		zap.Bool("synced_chain", info.SyncedToChain),
	)

	if !info.SyncedToChain {
		logger.Warn("LND is not synced to chain, payments may fail until sync completes")
	}

	return &LNDBackend{
		conn:         conn,
		lnClient:     lnClient,
		routerClient: routerrpc.NewRouterClient(conn),
		cfg:          cfg,
	}, nil
}

// PayInvoice pays an invoice through the Router sub-server's
// SendPaymentV2 streaming RPC, waiting for a terminal state. The amount
// equality and expiry checks run before anything touches the node.
func (b *LNDBackend) PayInvoice(ctx context.Context, inv *invoice.Invoice, expectedMsats uint64) (*PaymentResult, error) {
	amountMsats, err := inv.AmountMsats()
	if err != nil {
		return nil, err
	}

	if amountMsats != expectedMsats {
		return &PaymentResult{
			Success: false,
			Error: fmt.Sprintf("invoice amount %d msats does not match expected %d msats",
				amountMsats, expectedMsats),
		}, nil
	}

	if inv.IsExpired() {
		return &PaymentResult{Success: false, Error: "invoice is expired"}, nil
	}

	req := &routerrpc.SendPaymentRequest{
		PaymentRequest: inv.Raw(),
		TimeoutSeconds: int32(b.cfg.PaymentTimeoutSeconds),
		FeeLimitSat:    b.cfg.MaxPaymentFeeSats,
	}

	payCtx, cancel := context.WithTimeout(ctx, time.Duration(b.cfg.PaymentTimeoutSeconds)*time.Second)
	defer cancel()

	stream, err := b.routerClient.SendPaymentV2(payCtx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to initiate payment: %w", err)
	}

	for {
		payment, err := stream.Recv()
		if err != nil {
			return nil, fmt.Errorf("payment stream error: %w", err)
		}

		switch payment.Status {
		case lnrpc.Payment_SUCCEEDED:
			return &PaymentResult{
				Success:  true,
				Preimage: payment.PaymentPreimage,
			}, nil

		case lnrpc.Payment_FAILED:
			return &PaymentResult{
				Success: false,
				Error:   fmt.Sprintf("payment failed: %s", payment.FailureReason),
			}, nil

		case lnrpc.Payment_IN_FLIGHT, lnrpc.Payment_INITIATED:
			continue

		default:
			return nil, fmt.Errorf("unexpected payment status: %s", payment.Status)
		}
	}
}

// GetInfo returns the node alias and total spendable channel balance.
func (b *LNDBackend) GetInfo(ctx context.Context) (*NodeInfo, error) {
	info, err := b.lnClient.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to get node info: %w", err)
	}

	balance, err := b.lnClient.ChannelBalance(ctx, &lnrpc.ChannelBalanceRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to get channel balance: %w", err)
	}

	var localMsats uint64
	if balance.LocalBalance != nil {
		localMsats = balance.LocalBalance.Msat
	}

	return &NodeInfo{
		Alias:        info.Alias,
		BalanceMsats: localMsats,
	}, nil
}

// Close closes the underlying gRPC connection to LND.
func (b *LNDBackend) Close() error {
	return b.conn.Close()
}
