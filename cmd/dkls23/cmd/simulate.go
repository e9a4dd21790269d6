package cmd

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/bridge"
	"github.com/0xCarbon/libtss/pkg/dkls23/coordinator"
	"github.com/0xCarbon/libtss/pkg/dkls23/derivation"
	"github.com/0xCarbon/libtss/pkg/dkls23/dkg"
	"github.com/0xCarbon/libtss/pkg/dkls23/engine"
	"github.com/0xCarbon/libtss/pkg/dkls23/keystore"
	"github.com/0xCarbon/libtss/pkg/dkls23/logging"
	"github.com/0xCarbon/libtss/pkg/dkls23/metrics"
	"github.com/0xCarbon/libtss/pkg/dkls23/router"
	"github.com/0xCarbon/libtss/pkg/dkls23/sign"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run DKG, signing and verification for every party in this process",
	Long: `Run a complete key generation and signing round with one coordinator per
party, exchanging fragments over the in-memory router or a Redis server.
Optionally refreshes the shares with a re-key and signs with a derived child
key. Prints the public key, the signature and the verification result as JSON.`,
	RunE: runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.Uint8("threshold", 2, "signing threshold t")
	f.Uint8("share-count", 3, "number of parties n")
	f.String("signers", "", "comma separated signing parties (default: the first t)")
	f.String("message", "Message to sign!", "message whose SHA-256 digest is signed")
	f.String("path", "", "non-hardened derivation path to sign with, for example m/0/1")
	f.Bool("rekey", false, "refresh the shares before signing")
	f.String("router", "memory", "fragment transport: memory or redis")
	f.String("redis-address", "127.0.0.1:6379", "Redis host:port for --router=redis")
	f.String("keystore-dir", "", "badger directory for key shares (default: in memory)")
	f.Duration("phase-timeout", coordinator.DefaultPhaseTimeout, "bound on the wait for one phase's fragments")
	f.Int("workers", 4, "engine worker pool size")
	f.Bool("remote", false, "run phases through the JSON bridge instead of in process")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	if err := viper.BindPFlags(f); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(simulateCmd)
}

type simConfig struct {
	Params       dkls23.Parameters
	Signers      []dkls23.PartyIndex
	Message      string
	Path         string
	ReKey        bool
	Router       string
	RedisAddress string
	KeystoreDir  string
	PhaseTimeout time.Duration
	Workers      int
	Remote       bool
	MetricsAddr  string
}

func simConfigFromViper() (simConfig, error) {
	cfg := simConfig{
		Params: dkls23.Parameters{
			Threshold:  uint8(viper.GetUint("threshold")),
			ShareCount: uint8(viper.GetUint("share-count")),
		},
		Message:      viper.GetString("message"),
		Path:         viper.GetString("path"),
		ReKey:        viper.GetBool("rekey"),
		Router:       viper.GetString("router"),
		RedisAddress: viper.GetString("redis-address"),
		KeystoreDir:  viper.GetString("keystore-dir"),
		PhaseTimeout: viper.GetDuration("phase-timeout"),
		Workers:      viper.GetInt("workers"),
		Remote:       viper.GetBool("remote"),
		MetricsAddr:  viper.GetString("metrics-addr"),
	}
	if list := strings.TrimSpace(viper.GetString("signers")); list != "" {
		for _, field := range strings.Split(list, ",") {
			v, err := strconv.ParseUint(strings.TrimSpace(field), 10, 8)
			if err != nil || v == 0 {
				return cfg, fmt.Errorf("signers: invalid party %q", field)
			}
			cfg.Signers = append(cfg.Signers, dkls23.PartyIndex(v))
		}
	}
	return cfg, nil
}

// simResult is printed by the simulate command.
type simResult struct {
	PublicKey  string            `json:"public_key"`
	EthAddress string            `json:"eth_address"`
	Path       string            `json:"path,omitempty"`
	Signers    []int             `json:"signers"`
	Digest     string            `json:"message_digest"`
	Signature  *bridge.Signature `json:"signature"`
	Valid      bool              `json:"valid"`
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := simConfigFromViper()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	if cfg.MetricsAddr != "" {
		stop, err := serveMetrics(cmd.Context(), log, cfg.MetricsAddr, reg)
		if err != nil {
			return err
		}
		defer stop()
	}

	res, err := simulate(cmd.Context(), cfg, log, metrics.NewCollector(reg))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Valid {
		return errors.New("signature did not verify")
	}
	return nil
}

func serveMetrics(ctx context.Context, log logging.Logger, addr string, reg *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "metrics server stopped", "error", err.Error())
		}
	}()
	log.Info(ctx, "metrics server started", "address", ln.Addr().String(), "endpoint", "/metrics")
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}

// transport hands out per-party endpoints for one session.
type transport interface {
	Endpoint(sid dkls23.SessionID, self dkls23.PartyIndex) router.Endpoint
	Close() error
}

// simulation holds the shared infrastructure of one simulate run.
type simulation struct {
	cfg     simConfig
	log     logging.Logger
	metrics *metrics.Collector
	eng     engine.Engine
	pool    *workerpool.WorkerPool
	store   *keystore.Store
	net     transport
}

func simulate(ctx context.Context, cfg simConfig, log logging.Logger, m *metrics.Collector) (*simResult, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Signers) == 0 {
		cfg.Signers = cfg.Params.Parties()[:cfg.Params.Threshold]
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	s := &simulation{cfg: cfg, log: log, metrics: m}
	var err error
	if s.store, err = keystore.Open(keystore.Config{Dir: cfg.KeystoreDir, Logger: log, Metrics: m}); err != nil {
		return nil, err
	}
	defer s.store.Close()

	s.eng = engine.NewLocal()
	if cfg.Remote {
		s.eng = bridge.NewRemoteEngine(bridge.NewHandler(nil, bridge.WithLogger(log), bridge.WithStore(s.store)))
	}
	s.pool = workerpool.New(cfg.Workers)
	defer s.pool.StopWait()

	switch cfg.Router {
	case "memory":
		s.net = router.NewNet()
	case "redis":
		r, err := router.NewRedis(router.RedisConfig{Address: cfg.RedisAddress})
		if err != nil {
			return nil, err
		}
		if err := r.Ping(ctx); err != nil {
			r.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddress, err)
		}
		s.net = r
	default:
		return nil, fmt.Errorf("unknown router %q", cfg.Router)
	}
	defer s.net.Close()

	shares, err := s.run(ctx, dkls23.ProtocolDKG, cfg.Params.Parties(), nil)
	if err != nil {
		return nil, fmt.Errorf("dkg: %w", err)
	}
	log.Info(ctx, "key generated", "public_key", shares[1].KeyShare.PublicKeyHex())

	keys := make(map[dkls23.PartyIndex]*dkg.KeyShare, len(shares))
	for p, step := range shares {
		keys[p] = step.KeyShare
	}
	defer func() {
		for _, k := range keys {
			k.Zeroize()
		}
	}()

	if cfg.ReKey {
		fresh, err := s.run(ctx, dkls23.ProtocolReKey, cfg.Params.Parties(), func(p dkls23.PartyIndex) coordinator.Input {
			return coordinator.Input{KeyShare: keys[p]}
		})
		if err != nil {
			return nil, fmt.Errorf("re-key: %w", err)
		}
		for p, step := range fresh {
			keys[p].Zeroize()
			keys[p] = step.KeyShare
		}
		log.Info(ctx, "shares refreshed")
	}

	if cfg.Path != "" {
		for p, k := range keys {
			child, err := derivation.DeriveFromPath(k, cfg.Path)
			if err != nil {
				return nil, fmt.Errorf("derive %s: %w", cfg.Path, err)
			}
			k.Zeroize()
			keys[p] = child
		}
	}

	digest := sha256.Sum256([]byte(cfg.Message))
	sigs, err := s.run(ctx, dkls23.ProtocolSign, cfg.Signers, func(p dkls23.PartyIndex) coordinator.Input {
		return coordinator.Input{KeyShare: keys[p], Signers: cfg.Signers, Digest: digest[:]}
	})
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	sig := sigs[cfg.Signers[0]].Signature
	for p, step := range sigs {
		if !bytes.Equal(step.Signature.Bytes(), sig.Bytes()) {
			return nil, fmt.Errorf("party %d produced a different signature", p)
		}
	}

	pub := keys[cfg.Signers[0]]
	valid, err := sign.Verify(*sig, digest[:], pub.PublicKeyBytes())
	if err != nil {
		return nil, err
	}
	return &simResult{
		PublicKey:  pub.PublicKeyHex(),
		EthAddress: pub.EthAddress,
		Path:       cfg.Path,
		Signers:    partyInts(cfg.Signers),
		Digest:     hex.EncodeToString(digest[:]),
		Signature:  bridge.SignatureOf(*sig),
		Valid:      valid,
	}, nil
}

// run executes one protocol with a coordinator per party and returns each
// party's terminal step.
func (s *simulation) run(ctx context.Context, proto dkls23.Protocol, parties []dkls23.PartyIndex, input func(dkls23.PartyIndex) coordinator.Input) (map[dkls23.PartyIndex]coordinator.Step, error) {
	sid, err := dkls23.NewSessionID()
	if err != nil {
		return nil, err
	}
	var (
		mu  sync.Mutex
		out = make(map[dkls23.PartyIndex]coordinator.Step, len(parties))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range parties {
		var in coordinator.Input
		if input != nil {
			in = input(p)
		}
		c, err := coordinator.New(s.eng, proto, dkls23.Session{Parameters: s.cfg.Params, SessionID: sid, PartyIndex: p}, in,
			coordinator.WithLogger(s.log),
			coordinator.WithMetrics(s.metrics),
			coordinator.WithPool(s.pool),
			coordinator.WithStore(s.store),
			coordinator.WithPhaseTimeout(s.cfg.PhaseTimeout),
		)
		if err != nil {
			return nil, err
		}
		ep, err := router.Dedup(s.net.Endpoint(sid, p), 0)
		if err != nil {
			return nil, err
		}
		ep = router.Instrument(router.WithRetry(ep, router.RetryConfig{}), s.metrics, proto)
		g.Go(func() error {
			defer c.Close()
			step, err := c.Run(gctx, ep)
			if err != nil {
				return fmt.Errorf("party %d: %w", p, err)
			}
			mu.Lock()
			out[p] = step
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func partyInts(idx []dkls23.PartyIndex) []int {
	out := make([]int, len(idx))
	for i, p := range idx {
		out[i] = int(p)
	}
	return out
}
