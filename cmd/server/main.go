package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"attestor/internal/alert"
	"attestor/internal/attestation"
	"attestor/internal/geo"
	"attestor/internal/ledger"
	"attestor/internal/models"
	"attestor/internal/notify"
	"attestor/internal/payment"
	"attestor/internal/platform/config"
	"attestor/internal/platform/httpserver"
	"attestor/internal/platform/keylock"
	"attestor/internal/platform/logger"
	"attestor/internal/platform/metrics"
	platformredis "attestor/internal/platform/redis"
	"attestor/internal/rates"
	"attestor/internal/referral"
	"attestor/internal/reward"
	"attestor/internal/settlement"
	"attestor/internal/store"
	"attestor/internal/sweep"
	transporthttp "attestor/internal/transport/http"
	"attestor/internal/verification"
	"attestor/internal/vesting"
	"attestor/internal/voucher"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if cfg.Salt == "" {
		log.Error("ATTESTOR_SALT is required; user fingerprints depend on it")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	redisClient, err := platformredis.New(cfg.RedisURL)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}

	wallet := ledger.NewWalletClient(cfg.WalletURL)

	// Wallet-controlled addresses come from config in production; a fresh
	// deployment resolves any missing one from the wallet's pool.
	addrs := []*string{
		&cfg.RealNameAttestorAddress, &cfg.NonUSAttestorAddress,
		&cfg.DistributionAddress, &cfg.DonationFundAddress,
	}
	for _, a := range addrs {
		if *a != "" {
			continue
		}
		issued, err := wallet.IssueReceivingAddress(ctx)
		if err != nil {
			log.Error("address resolution failed", "error", err)
			os.Exit(1)
		}
		*a = string(issued)
	}
	log.Info("addresses resolved",
		"real_name_attestor", cfg.RealNameAttestorAddress,
		"nonus_attestor", cfg.NonUSAttestorAddress,
		"distribution", cfg.DistributionAddress,
		"donation_fund", cfg.DonationFundAddress)

	m := metrics.New()
	locks := keylock.New()
	notifier := notify.Func(wallet.SendMessage)

	var alerter alert.Alerter
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := alert.NewKafka(cfg.KafkaBrokers, cfg.AlertTopic, log)
		if err != nil {
			log.Error("kafka connection failed", "error", err)
			os.Exit(1)
		}
		defer kafka.Close()
		alerter = kafka
	} else {
		alerter = alert.NewLog(log)
	}

	conv := rates.NewConverter(rates.NewCachedSource(
		rates.NewHTTPSource(cfg.RatesURL), redisClient, cfg.RatesCacheTTL))

	var geoResolver geo.Resolver = geo.Unavailable{}
	if cfg.GeoURL != "" {
		geoResolver = geo.NewHTTPResolver(cfg.GeoURL)
	}

	attest := attestation.NewService(db, wallet, locks, notifier, m, log,
		models.Address(cfg.RealNameAttestorAddress),
		models.Address(cfg.NonUSAttestorAddress), cfg.Salt)
	vest := vesting.NewService(db, wallet, locks, log,
		cfg.ContractTermYears, cfg.ContractUnclaimedYears)
	rewards := reward.NewService(db, wallet, wallet, locks, notifier, alerter, m, log,
		models.Address(cfg.DistributionAddress), models.Address(cfg.DonationFundAddress))
	referrals := referral.NewService(db, wallet, cfg.MaxReferralDepth, log)
	settle := settlement.NewService(db, attest, rewards, referrals, vest, conv, log,
		settlement.Amounts{
			Reward:                 cfg.RewardUSD,
			ContractReward:         cfg.ContractRewardUSD,
			ReferralReward:         cfg.ReferralRewardUSD,
			ContractReferralReward: cfg.ContractReferralRewardUSD,
		})

	providers := verification.NewRegistry(cfg.DefaultProvider,
		verification.NewHTTPProvider(cfg.DefaultProvider, cfg.ProviderBaseURL, cfg.ProviderAPIKey))
	tokens := verification.NewCallbackTokens(cfg.CallbackSigningKey, cfg.CallbackTokenTTL)
	verif := verification.NewService(db, providers, tokens, geoResolver, locks,
		notifier, alerter, m, log, settle, cfg.Salt)

	payments := payment.NewService(db, wallet, wallet, conv, verif, locks, notifier, m, log,
		cfg.PriceUSD, cfg.PriceStaleness, models.Address(cfg.DistributionAddress))
	vouchers := voucher.NewService(db, wallet, conv, vest, locks, notifier, m, log,
		cfg.PriceUSD, cfg.VoucherUsageLimit)

	healthDeps := []transporthttp.HealthChecker{db}
	if redisClient != nil {
		healthDeps = append(healthDeps, redisClient)
	}
	handler := transporthttp.NewHandler(verif, payments, vouchers, db, log, healthDeps...)
	srv := httpserver.New(cfg.Addr, handler.Router())

	sweeps := sweep.NewRunner(m, log, sweep.StandardJobs(sweep.Intervals{
		ScanRetry:        cfg.ScanRetryInterval,
		VendorPoll:       cfg.VendorPollInterval,
		AttestationRetry: cfg.AttestationRetryInterval,
		RewardRetry:      cfg.RewardRetryInterval,
		Donation:         cfg.DonationInterval,
		ProfilePurge:     cfg.ProfilePurgeInterval,
		ProfileRetention: cfg.ProfileRetention,
	}, verif, settle, rewards, db, log)...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return srv.Shutdown(context.Background())
	})
	g.Go(func() error { return sweeps.Run(ctx) })
	g.Go(func() error {
		return wallet.Subscribe(ctx, func(ctx context.Context, ev ledger.Event) {
			var err error
			switch ev.Kind {
			case "payment":
				err = payments.OnConfirmedIncomingPayment(ctx, payment.Payment{
					Unit: ev.Unit, Address: ev.Address, Amount: ev.Amount, Asset: ev.Asset,
				})
			case "stable":
				err = payments.OnPaymentStable(ctx, ev.Units)
			default:
				log.Debug("unhandled wallet event", "kind", ev.Kind)
			}
			if err != nil {
				log.Error("wallet event handling failed", "kind", ev.Kind, "unit", ev.Unit, "error", err)
			}
		})
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
