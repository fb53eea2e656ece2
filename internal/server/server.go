// Package server exposes the analysis engine over HTTP and websockets.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/halcyonsec/defiguard/internal/audit"
	"github.com/halcyonsec/defiguard/internal/chain"
	"github.com/halcyonsec/defiguard/internal/circuitbreaker"
	"github.com/halcyonsec/defiguard/internal/config"
	"github.com/halcyonsec/defiguard/internal/emergency"
	"github.com/halcyonsec/defiguard/internal/guard"
	"github.com/halcyonsec/defiguard/internal/health"
	"github.com/halcyonsec/defiguard/internal/logging"
	"github.com/halcyonsec/defiguard/internal/metrics"
	"github.com/halcyonsec/defiguard/internal/mev"
	"github.com/halcyonsec/defiguard/internal/oracle"
	"github.com/halcyonsec/defiguard/internal/protocol"
	"github.com/halcyonsec/defiguard/internal/ratelimit"
	"github.com/halcyonsec/defiguard/internal/realtime"
	"github.com/halcyonsec/defiguard/internal/risk"
	"github.com/halcyonsec/defiguard/internal/security"
	"github.com/halcyonsec/defiguard/internal/threat"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the analysis components.
type Server struct {
	cfg *config.Config

	guard      *guard.Guard
	oracle     *oracle.Validator
	mev        *mev.Detector
	protocols  *protocol.Detector
	engine     *risk.Engine
	trail      *audit.Trail
	dispatcher *emergency.Dispatcher
	hub        *realtime.Hub

	provider    chain.Provider
	votingPower sync.Map // common.Address -> float64 governance share
	rateLimiter *ratelimit.Limiter
	healthReg   *health.Registry
	db          *sql.DB // nil if using in-memory stores
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	startedAt   time.Time

	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithProvider sets a custom chain provider (for testing).
func WithProvider(p chain.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// New wires the full analysis pipeline and HTTP layer from cfg.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, cfg.LogFormat),
		startedAt: time.Now(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres when DATABASE_URL is set, otherwise in-memory.
	var riskStore risk.Store
	var auditStore audit.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		pgRisk := risk.NewPostgresStore(db)
		if err := pgRisk.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate risk store", "error", err)
		}
		riskStore = pgRisk

		pgAudit := audit.NewPostgresStore(db)
		if err := pgAudit.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate audit store", "error", err)
		}
		auditStore = pgAudit
	} else {
		riskStore = risk.NewMemoryStore()
		s.logger.Info("using in-memory storage")
	}

	// Chain reads behind a cached gas reference. Tests inject a static
	// provider; production dials the configured RPC endpoint.
	if s.provider == nil {
		provider, err := chain.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to chain: %w", err)
		}
		s.provider = provider
	}
	gasRef := chain.NewGasReference(s.provider, 30, 15*time.Second)

	s.hub = realtime.NewHub(s.logger)

	s.protocols = protocol.NewDetector(s.logger).
		WithVotingPower(func(addr common.Address) float64 {
			if v, ok := s.votingPower.Load(addr); ok {
				return v.(float64)
			}
			return 0
		})
	s.mev = mev.NewDetector(gasRef, s.logger)

	s.oracle = oracle.NewValidator(cfg.BreakerCooldown, s.logger).
		WithFlashLoanSignal(s.protocols.FlashLoanContextActive)

	s.engine = risk.NewEngine(riskStore, s.logger).
		WithGas(gasRef).
		WithInspector(&contractInspector{provider: s.provider, protocols: s.protocols}).
		WithVolatility(s.oracle.AssetVolatility)

	retention := audit.RetentionPolicy{
		Default:  time.Duration(cfg.AuditRetentionDays) * 24 * time.Hour,
		Extended: time.Duration(cfg.AuditExtendedRetentionDays) * 24 * time.Hour,
	}
	s.trail = audit.NewTrail(retention, auditStore, s.logger)

	s.dispatcher = emergency.NewDispatcher(circuitbreaker.New(cfg.BreakerCooldown), s.logger).
		WithExecutor(s.protocolExecutor()).
		WithNotifier(emergency.NewWebhookNotifier(s.logger)).
		WithBroadcaster(s.hub).
		WithMaxAutoValue(cfg.MaxAutoResponseValue)
	s.dispatcher.SetAutoResponse(cfg.AutoResponseEnabled)

	s.guard = guard.New(s.mev, s.protocols, s.engine, s.trail, s.logger).
		WithDispatcher(s.dispatcher).
		WithBroadcaster(s.hub)

	s.healthReg = health.NewRegistry()
	s.healthReg.Register("rpc", func(ctx context.Context) health.Status {
		if _, err := s.provider.BlockNumber(ctx); err != nil {
			return health.Status{Name: "rpc", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "rpc", Healthy: true}
	})
	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// protocolExecutor maps emergency actions onto the protocol detector and
// guard state. Actions without a local effect (withdrawals, hedges) are
// recorded for operators instead.
func (s *Server) protocolExecutor() emergency.Executor {
	return emergency.ExecutorFunc(func(ctx context.Context, action emergency.Action) error {
		switch action.Type {
		case emergency.ActionPauseProtocol:
			if action.Target == nil {
				return errors.New("pause_protocol requires a target")
			}
			return s.protocols.SetPaused(*action.Target, true)
		case emergency.ActionBlockAddress:
			if action.Target == nil {
				return errors.New("block_address requires a target")
			}
			s.guard.Blacklist(*action.Target)
			return nil
		case emergency.ActionPauseOracle, emergency.ActionFreezeAssets:
			// Breaker trip in the dispatcher is the whole effect.
			return nil
		case emergency.ActionNotifyAdmins, emergency.ActionUpdateDashboard:
			s.logger.Warn("operator action requested",
				"action", string(action.Type),
				"message", action.Message,
			)
			return nil
		default:
			s.logger.Warn("emergency action has no local executor", "action", string(action.Type))
			return nil
		}
	})
}

// contractInspector resolves contract trust from the chain plus the protocol
// registry: registered protocols carry their declared audit status,
// unregistered code is untrusted, and externally owned accounts carry no
// contract risk at all.
type contractInspector struct {
	provider  chain.Provider
	protocols *protocol.Detector
}

func (ci *contractInspector) Inspect(ctx context.Context, addr common.Address) (risk.ContractInfo, error) {
	status, err := ci.provider.ContractStatus(ctx, addr)
	if err != nil {
		return risk.ContractInfo{}, err
	}
	if !status.HasCode {
		return risk.ContractInfo{}, risk.ErrNotContract
	}
	if cfg, ok := ci.protocols.Config(addr); ok {
		auditStatus := cfg.AuditStatus
		if auditStatus == "" {
			auditStatus = "unknown"
		}
		return risk.ContractInfo{Verified: cfg.Verified, AuditStatus: auditStatus}, nil
	}
	return risk.ContractInfo{Verified: status.Verified, AuditStatus: status.AuditStatus}, nil
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         s.cfg.RateLimitRPS,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket alert and threat feed.
	s.router.GET("/ws/alerts", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/analyze", s.analyzeHandler)

		v1.POST("/oracles", s.registerOracleHandler)
		v1.POST("/oracles/:source/validate", s.validatePriceHandler)

		v1.POST("/protocols", s.registerProtocolHandler)
		v1.POST("/protocols/signatures", s.addSignatureHandler)
		v1.POST("/positions", s.updatePositionHandler)
		v1.PUT("/governance/power", s.setVotingPowerHandler)

		v1.POST("/mev/bots", s.registerBotHandler)

		v1.GET("/status", s.statusHandler)
		v1.GET("/reports/compliance", s.complianceReportHandler)

		v1.POST("/alerts", s.triggerAlertHandler)
		v1.POST("/alerts/:id/resolve", s.resolveAlertHandler)
		v1.GET("/alerts", s.listAlertsHandler)
		v1.POST("/procedures", s.addProcedureHandler)
		v1.POST("/contacts", s.addContactHandler)

		v1.GET("/audit/entries", s.auditEntriesHandler)
		v1.POST("/audit/rules", s.addAuditRuleHandler)
	}
}

// -----------------------------------------------------------------------------
// Analysis
// -----------------------------------------------------------------------------

type analyzeRequest struct {
	Hash      string  `json:"hash"`
	Sender    string  `json:"sender" binding:"required"`
	Recipient string  `json:"recipient" binding:"required"`
	Value     float64 `json:"value"`
	GasPrice  float64 `json:"gasPrice"`
	GasLimit  uint64  `json:"gasLimit"`
	Data      string  `json:"data"` // 0x-prefixed hex call data
	Nonce     uint64  `json:"nonce"`
}

func (s *Server) analyzeHandler(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !common.IsHexAddress(req.Sender) || !common.IsHexAddress(req.Recipient) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address"})
		return
	}
	data, err := decodeCallData(req.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_call_data", "message": err.Error()})
		return
	}

	tx := &threat.TransactionIntent{
		Hash:      common.HexToHash(req.Hash),
		Sender:    common.HexToAddress(req.Sender),
		Recipient: common.HexToAddress(req.Recipient),
		Value:     req.Value,
		GasPrice:  req.GasPrice,
		GasLimit:  req.GasLimit,
		Data:      data,
		Nonce:     req.Nonce,
	}

	result, err := s.guard.Analyze(c.Request.Context(), tx)
	if err != nil {
		logging.L(c.Request.Context()).Error("analysis failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "analysis_failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func decodeCallData(raw string) ([]byte, error) {
	if raw == "" {
		return nil, nil
	}
	raw = strings.TrimPrefix(raw, "0x")
	return hex.DecodeString(raw)
}

// -----------------------------------------------------------------------------
// Oracles
// -----------------------------------------------------------------------------

type registerOracleRequest struct {
	Source             string  `json:"source" binding:"required"`
	MaxDeviation       float64 `json:"maxDeviation"`
	MaxAgeSeconds      int     `json:"maxAgeSeconds"`
	Aggregation        string  `json:"aggregation"`
	MinAgreeingSources int     `json:"minAgreeingSources"`
	Weight             float64 `json:"weight"`
	Asset              string  `json:"asset"` // priced asset, for volatility lookups
}

func (s *Server) registerOracleHandler(c *gin.Context) {
	var req registerOracleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.Asset != "" && !common.IsHexAddress(req.Asset) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_asset"})
		return
	}

	cfg := oracle.Config{
		MaxDeviation:       req.MaxDeviation,
		MaxAge:             time.Duration(req.MaxAgeSeconds) * time.Second,
		Aggregation:        oracle.AggregationMethod(req.Aggregation),
		MinAgreeingSources: req.MinAgreeingSources,
		Weight:             req.Weight,
		Asset:              common.HexToAddress(req.Asset),
	}
	if cfg.MaxDeviation <= 0 {
		cfg.MaxDeviation = s.cfg.MaxPriceDeviation
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = s.cfg.MaxPriceAge
	}
	s.oracle.Register(req.Source, cfg)

	s.auditConfigChange(c.Request.Context(), "oracle registered: "+req.Source)
	c.JSON(http.StatusCreated, gin.H{"source": req.Source, "registered": true})
}

type validatePriceRequest struct {
	Price      float64 `json:"price" binding:"required"`
	Confidence float64 `json:"confidence"`
	Block      uint64  `json:"block"`
}

func (s *Server) validatePriceHandler(c *gin.Context) {
	source := c.Param("source")

	var req validatePriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	result, err := s.oracle.Validate(source, req.Price, req.Confidence, req.Block)
	if err != nil {
		if errors.Is(err, oracle.ErrUnregisteredSource) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_source", "source": source})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "validation_failed"})
		return
	}

	if !result.Accepted {
		s.recordPriceRejection(c.Request.Context(), source, req.Price, result)
	}
	c.JSON(http.StatusOK, result)
}

// recordPriceRejection audits the rejection and escalates breaker trips
// as manipulation alerts.
func (s *Server) recordPriceRejection(ctx context.Context, source string, price float64, result *oracle.Result) {
	entry := &audit.Entry{
		Type:    audit.EntryPriceDeviation,
		Success: false,
		Error:   result.Reason,
		Flags:   []string{"oracle:" + source},
		Metadata: map[string]string{
			"source":    source,
			"price":     strconv.FormatFloat(price, 'f', -1, 64),
			"deviation": strconv.FormatFloat(result.Deviation, 'f', -1, 64),
			"severity":  string(result.Severity),
		},
	}
	if err := s.trail.Log(ctx, entry); err != nil {
		s.logger.Error("failed to audit price rejection", "source", source, "error", err)
	}

	if !result.BreakerTrip {
		return
	}
	alert := &emergency.Alert{
		Level:       emergency.LevelCritical,
		Title:       fmt.Sprintf("oracle %s rejected: %s", source, result.Reason),
		Description: "price validation tripped the source circuit breaker",
		Category:    "oracle_manipulation",
		Metrics: map[string]float64{
			"deviation": result.Deviation,
			"price":     price,
		},
	}
	if err := s.dispatcher.TriggerAlert(ctx, alert); err != nil {
		s.logger.Error("failed to escalate oracle rejection", "source", source, "error", err)
	}
}

// -----------------------------------------------------------------------------
// Protocols
// -----------------------------------------------------------------------------

type registerProtocolRequest struct {
	Name             string              `json:"name" binding:"required"`
	Address          string              `json:"address" binding:"required"`
	MaxTxValue       float64             `json:"maxTxValue"`
	AllowedFunctions []string            `json:"allowedFunctions"`
	RateLimits       protocol.RateLimits `json:"rateLimits"`
	IsDEX            bool                `json:"isDex"`
	IsLending        bool                `json:"isLending"`
	Verified         bool                `json:"verified"`
	AuditStatus      string              `json:"auditStatus"`
}

func (s *Server) registerProtocolHandler(c *gin.Context) {
	var req registerProtocolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !common.IsHexAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address"})
		return
	}

	s.protocols.Register(protocol.Config{
		Name:             req.Name,
		Address:          common.HexToAddress(req.Address),
		MaxTxValue:       req.MaxTxValue,
		AllowedFunctions: req.AllowedFunctions,
		RateLimits:       req.RateLimits,
		IsDEX:            req.IsDEX,
		IsLending:        req.IsLending,
		Verified:         req.Verified,
		AuditStatus:      req.AuditStatus,
	})

	s.auditConfigChange(c.Request.Context(), "protocol registered: "+req.Name)
	c.JSON(http.StatusCreated, gin.H{"name": req.Name, "address": req.Address, "registered": true})
}

func (s *Server) addSignatureHandler(c *gin.Context) {
	var sig protocol.Signature
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if sig.Name == "" || len(sig.Selectors) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "name and selectors are required"})
		return
	}

	s.protocols.AddSignature(sig)
	s.auditConfigChange(c.Request.Context(), "attack signature added: "+sig.Name)
	c.JSON(http.StatusCreated, gin.H{"name": sig.Name, "registered": true})
}

type updatePositionRequest struct {
	Owner      string  `json:"owner" binding:"required"`
	Collateral float64 `json:"collateral"`
	Debt       float64 `json:"debt"`
}

// updatePositionHandler feeds the liquidation-hunting detector with position
// state, typically pushed by an off-chain indexer.
func (s *Server) updatePositionHandler(c *gin.Context) {
	var req updatePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !common.IsHexAddress(req.Owner) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address"})
		return
	}

	owner := common.HexToAddress(req.Owner)
	s.protocols.UpdatePosition(owner, req.Collateral, req.Debt)
	s.protocols.RecomputeAtRisk()

	_, atRisk := s.protocols.AtRisk(owner)
	c.JSON(http.StatusOK, gin.H{"owner": owner.Hex(), "atRisk": atRisk})
}

type setVotingPowerRequest struct {
	Address string  `json:"address" binding:"required"`
	Power   float64 `json:"power"`
}

// setVotingPowerHandler records an address's governance share, as a fraction
// of total voting power, for the governance-capture detector.
func (s *Server) setVotingPowerHandler(c *gin.Context) {
	var req setVotingPowerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !common.IsHexAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address"})
		return
	}
	if req.Power < 0 || req.Power > 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_power", "message": "power must be in [0, 1]"})
		return
	}

	addr := common.HexToAddress(req.Address)
	s.votingPower.Store(addr, req.Power)
	s.auditConfigChange(c.Request.Context(), fmt.Sprintf("voting power set: %s = %.4f", addr.Hex(), req.Power))
	c.JSON(http.StatusOK, gin.H{"address": addr.Hex(), "power": req.Power})
}

// -----------------------------------------------------------------------------
// MEV
// -----------------------------------------------------------------------------

type registerBotRequest struct {
	Address string `json:"address" binding:"required"`
}

func (s *Server) registerBotHandler(c *gin.Context) {
	var req registerBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !common.IsHexAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address"})
		return
	}

	addr := common.HexToAddress(req.Address)
	s.mev.RegisterBot(addr)
	s.auditConfigChange(c.Request.Context(), "mev bot registered: "+addr.Hex())
	c.JSON(http.StatusCreated, gin.H{"address": addr.Hex(), "registered": true})
}

func (s *Server) auditConfigChange(ctx context.Context, detail string) {
	entry := &audit.Entry{
		Type:     audit.EntryConfigurationChange,
		Success:  true,
		Metadata: map[string]string{"change": detail},
	}
	if err := s.trail.Log(ctx, entry); err != nil {
		s.logger.Error("failed to audit configuration change", "error", err)
	}
}

// -----------------------------------------------------------------------------
// Status & reports
// -----------------------------------------------------------------------------

func (s *Server) statusHandler(c *gin.Context) {
	status := s.guard.Status()
	status["oracle"] = s.oracle.Stats()
	status["realtime"] = s.hub.Stats()
	status["uptimeSeconds"] = int64(time.Since(s.startedAt).Seconds())
	c.JSON(http.StatusOK, status)
}

func (s *Server) complianceReportHandler(c *gin.Context) {
	start, err := time.Parse(time.RFC3339, c.Query("start"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_start", "message": "start must be RFC3339"})
		return
	}
	end, err := time.Parse(time.RFC3339, c.Query("end"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_end", "message": "end must be RFC3339"})
		return
	}
	if !end.After(start) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_period"})
		return
	}
	c.JSON(http.StatusOK, s.trail.GenerateReport(start, end))
}

// -----------------------------------------------------------------------------
// Alerts
// -----------------------------------------------------------------------------

type triggerAlertRequest struct {
	Level             string   `json:"level" binding:"required"`
	Title             string   `json:"title" binding:"required"`
	Description       string   `json:"description"`
	Category          string   `json:"category"`
	AffectedAddresses []string `json:"affectedAddresses"`
	EstimatedImpact   float64  `json:"estimatedImpact"`
}

func (s *Server) triggerAlertHandler(c *gin.Context) {
	var req triggerAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	alert := &emergency.Alert{
		Level:           emergency.Level(req.Level),
		Title:           req.Title,
		Description:     req.Description,
		Category:        req.Category,
		EstimatedImpact: req.EstimatedImpact,
	}
	for _, raw := range req.AffectedAddresses {
		if !common.IsHexAddress(raw) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "address": raw})
			return
		}
		alert.AffectedAddresses = append(alert.AffectedAddresses, common.HexToAddress(raw))
	}

	if err := s.dispatcher.TriggerAlert(c.Request.Context(), alert); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_alert", "message": err.Error()})
		return
	}
	stored, _ := s.dispatcher.Alert(alert.ID)
	c.JSON(http.StatusCreated, stored)
}

func (s *Server) resolveAlertHandler(c *gin.Context) {
	var req struct {
		Note string `json:"note"`
	}
	// Body is optional; a missing note resolves without commentary.
	_ = c.ShouldBindJSON(&req)

	id := c.Param("id")
	if err := s.dispatcher.ResolveAlert(id, req.Note); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_alert", "id": id})
		return
	}
	alert, _ := s.dispatcher.Alert(id)
	c.JSON(http.StatusOK, alert)
}

func (s *Server) listAlertsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": s.dispatcher.ActiveAlerts()})
}

func (s *Server) addProcedureHandler(c *gin.Context) {
	var proc emergency.Procedure
	if err := c.ShouldBindJSON(&proc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if proc.Name == "" || len(proc.Actions) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_procedure", "message": "name and at least one action are required"})
		return
	}

	s.dispatcher.AddProcedure(proc)
	s.auditConfigChange(c.Request.Context(), "emergency procedure added: "+proc.Name)
	c.JSON(http.StatusCreated, gin.H{"name": proc.Name, "registered": true})
}

type addContactRequest struct {
	Name     string `json:"name" binding:"required"`
	Role     string `json:"role"`
	Endpoint string `json:"endpoint" binding:"required"`
	Secret   string `json:"secret"`
	Priority int    `json:"priority"`
}

// addContactHandler registers a webhook notification target. An omitted
// secret falls back to the server-wide webhook secret.
func (s *Server) addContactHandler(c *gin.Context) {
	var req addContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := security.ValidateEndpointURL(req.Endpoint); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_endpoint", "message": err.Error()})
		return
	}

	secret := req.Secret
	if secret == "" {
		secret = s.cfg.WebhookSecret
	}
	s.dispatcher.AddContact(emergency.Contact{
		Name:     req.Name,
		Role:     req.Role,
		Endpoint: req.Endpoint,
		Secret:   secret,
		Priority: req.Priority,
	})

	s.auditConfigChange(c.Request.Context(), "emergency contact added: "+req.Name)
	c.JSON(http.StatusCreated, gin.H{"name": req.Name, "registered": true})
}

// -----------------------------------------------------------------------------
// Audit
// -----------------------------------------------------------------------------

func (s *Server) auditEntriesHandler(c *gin.Context) {
	q := audit.Query{}

	if raw := c.Query("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_start"})
			return
		}
		q.Start = t
	}
	if raw := c.Query("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_end"})
			return
		}
		q.End = t
	}
	if raw := c.Query("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			q.Types = append(q.Types, audit.EntryType(strings.TrimSpace(t)))
		}
	}
	if raw := c.Query("actor"); raw != "" {
		if !common.IsHexAddress(raw) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_actor"})
			return
		}
		actor := common.HexToAddress(raw)
		q.Actor = &actor
	}
	if raw := c.Query("contract"); raw != "" {
		if !common.IsHexAddress(raw) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_contract"})
			return
		}
		contract := common.HexToAddress(raw)
		q.Contract = &contract
	}
	if raw := c.Query("minRisk"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_min_risk"})
			return
		}
		q.MinRisk = v
	}
	if raw := c.Query("maxRisk"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_max_risk"})
			return
		}
		q.MaxRisk = v
	}
	if raw := c.Query("flags"); raw != "" {
		q.Flags = strings.Split(raw, ",")
	}
	q.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	q.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	entries := s.trail.Query(q)
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

type addAuditRuleRequest struct {
	Name        string  `json:"name" binding:"required"`
	Description string  `json:"description"`
	Kind        string  `json:"kind" binding:"required"`
	Threshold   float64 `json:"threshold"`
	Flag        string  `json:"flag"`
	Action      string  `json:"action" binding:"required"`
	Enabled     *bool   `json:"enabled"` // defaults to true
}

func (s *Server) addAuditRuleHandler(c *gin.Context) {
	var req addAuditRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	kind := audit.RuleKind(req.Kind)
	switch kind {
	case audit.RuleTransactionValue, audit.RuleRiskScore, audit.RuleSecurityFlag, audit.RuleGasUsage:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind", "kind": req.Kind})
		return
	}
	action := audit.Action(req.Action)
	switch action {
	case audit.ActionLogWarning, audit.ActionBlockTransaction, audit.ActionRequireApproval,
		audit.ActionNotifyCompliance, audit.ActionGenerateReport:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_action", "action": req.Action})
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	s.trail.AddRule(audit.ComplianceRule{
		Name:        req.Name,
		Description: req.Description,
		Kind:        kind,
		Threshold:   req.Threshold,
		Flag:        req.Flag,
		Action:      action,
		Enabled:     enabled,
	})

	s.auditConfigChange(c.Request.Context(), "compliance rule added: "+req.Name)
	c.JSON(http.StatusCreated, gin.H{"name": req.Name, "registered": true})
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background loops, blocking until a
// shutdown signal or context cancellation.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "chain_id", s.cfg.ChainID)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	s.protocols.StartMonitor()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	if err := s.trail.Log(runCtx, &audit.Entry{Type: audit.EntrySystemStart, Success: true}); err != nil {
		s.logger.Warn("failed to audit system start", "error", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server and background loops.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.trail.Log(ctx, &audit.Entry{Type: audit.EntrySystemStop, Success: true}); err != nil {
		s.logger.Warn("failed to audit system stop", "error", err)
	}

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.protocols.StopMonitor()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if p, ok := s.provider.(*chain.EthProvider); ok {
		p.Close()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Guard exposes the orchestrator for wiring and tests.
func (s *Server) Guard() *guard.Guard {
	return s.guard
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(bytes)
}
