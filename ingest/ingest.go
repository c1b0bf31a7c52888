// Package ingest receives commerce platform webhooks and applies them to
// the canonical store. Platforms redeliver anything we do not acknowledge
// with a 2xx, so the split of outcomes matters: authentic payloads that can
// never be applied are acknowledged and skipped, transient faults surface
// as 5xx and ride the platform's retry schedule.
package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/minio/highwayhash"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/parcelry/bridge/lifecycle"
	"github.com/parcelry/bridge/model"
	"github.com/parcelry/bridge/queue"
	"github.com/parcelry/bridge/store"
	"github.com/parcelry/bridge/vault"
)

// Webhook headers per platform. Both platforms sign the raw request body
// with HMAC-SHA256 keyed by the channel's API secret and send the digest
// base64-encoded.
const (
	storefrontTopicHeader     = "X-Storefront-Topic"
	storefrontSignatureHeader = "X-Storefront-Hmac-Sha256"
	webshopTopicHeader        = "X-Webshop-Topic"
	webshopSignatureHeader    = "X-Webshop-Signature"
)

const maxBodyBytes = 1 << 20

// recentDigests bounds the redelivery cache. Platforms redeliver within
// minutes of a failed attempt; duplicates older than the cache window are
// absorbed by the idempotent upserts instead.
const recentDigests = 4096

// digestKey is a fixed 32 bytes (as required by HighwayHash). Digests are
// process-local and never persisted, so the key never needs to rotate.
var digestKey, _ = hex.DecodeString("9c1b3a8f4de2567091bb42cd8ea3f67054a8d9c2e13b76f5a0d4c8b2917e6f3d")

var (
	errUnknownChannel = errors.New("unknown channel")
	errMissingTopic   = errors.New("missing webhook topic header")
	errBadSignature   = errors.New("webhook signature mismatch")
)

var webhooksHandledCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bridge_webhooks_handled_total",
	Help: "counter of webhook deliveries by terminal outcome",
}, []string{"action"})

// Server is the webhook ingress. It authenticates deliveries against the
// owning channel, drops redeliveries it has already acknowledged, and hands
// the rest to a Processor.
type Server struct {
	store  *store.Store
	vault  *vault.Vault
	proc   *Processor
	recent *lru.Cache[string, struct{}]
	mux    *chi.Mux
}

func NewServer(st *store.Store, v *vault.Vault, q *queue.Queue) (*Server, error) {
	var recent, err = lru.New[string, struct{}](recentDigests)
	if err != nil {
		return nil, fmt.Errorf("building redelivery cache: %w", err)
	}
	var s = &Server{
		store:  st,
		vault:  v,
		proc:   NewProcessor(st, q),
		recent: recent,
		mux:    chi.NewRouter(),
	}
	s.mux.Use(middleware.RealIP, middleware.Recoverer)
	s.mux.Post("/webhooks/{channelID}", s.handleWebhook)
	s.mux.Get("/healthz", s.handleHealthz)
	s.mux.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var action, reason, err = s.processWebhook(r)
	if err != nil {
		log.WithFields(log.Fields{
			"err":    err,
			"url":    r.URL.String(),
			"client": r.RemoteAddr,
		}).Warn("webhook rejected")
		webhooksHandledCounter.WithLabelValues("rejected").Inc()
		http.Error(w, err.Error(), webhookStatus(err))
		return
	}
	webhooksHandledCounter.WithLabelValues(action).Inc()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Action string `json:"action"`
		Reason string `json:"reason,omitempty"`
	}{action, reason})
}

func (s *Server) processWebhook(r *http.Request) (action, reason string, err error) {
	var ctx = r.Context()

	ch, err := s.store.GetChannel(ctx, chi.URLParam(r, "channelID"))
	var nf *store.NotFoundError
	if errors.As(err, &nf) {
		return "", "", errUnknownChannel
	} else if err != nil {
		return "", "", err
	}
	if !ch.IsActive || !ch.SyncEnabled {
		return "skipped", "channel disabled", nil
	}

	var topic = r.Header.Get(topicHeader(ch.ChannelType))
	if topic == "" {
		return "", "", errMissingTopic
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return "", "", fmt.Errorf("reading webhook body: %w", err)
	}

	secret, err := s.vault.SafeDecrypt(ch.APISecret)
	if err != nil {
		return "", "", fmt.Errorf("decrypting channel secret: %w", err)
	}
	if secret != "" && !validSignature(body, secret, r.Header.Get(signatureHeader(ch.ChannelType))) {
		return "", "", errBadSignature
	}

	var digest = bodyDigest(ch.ID, topic, body)
	if s.recent.Contains(digest) {
		log.WithFields(log.Fields{"channelId": ch.ID, "topic": topic}).Info("skipping redelivered webhook")
		return "skipped", "redelivery", nil
	}

	action, err = s.proc.Process(ctx, ch, topic, body)
	var ve *lifecycle.ValidationError
	if errors.As(err, &ve) {
		log.WithFields(log.Fields{
			"channelId": ch.ID,
			"topic":     topic,
			"reason":    ve.Detail,
		}).Warn("acknowledging unusable webhook payload")
		s.recent.Add(digest, struct{}{})
		return "skipped", ve.Detail, nil
	} else if err != nil {
		return "", "", err
	}
	s.recent.Add(digest, struct{}{})
	return action, "", nil
}

func webhookStatus(err error) int {
	switch {
	case errors.Is(err, errUnknownChannel):
		return http.StatusNotFound
	case errors.Is(err, errMissingTopic):
		return http.StatusBadRequest
	case errors.Is(err, errBadSignature):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	_, _ = io.WriteString(w, "ok\n")
}

func topicHeader(t model.ChannelType) string {
	if t == model.ChannelStorefront {
		return storefrontTopicHeader
	}
	return webshopTopicHeader
}

func signatureHeader(t model.ChannelType) string {
	if t == model.ChannelStorefront {
		return storefrontSignatureHeader
	}
	return webshopSignatureHeader
}

func validSignature(body []byte, secret, got string) bool {
	if got == "" {
		return false
	}
	var mac = hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	var want = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(got))
}

// bodyDigest keys the redelivery cache. Two deliveries of the same body on
// the same channel and topic are one event.
func bodyDigest(channelID, topic string, body []byte) string {
	return fmt.Sprintf("%s|%s|%x", channelID, topic, highwayhash.Sum64(body, digestKey))
}
