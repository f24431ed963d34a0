package parcelport

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/hashicorp/serf/serf"
)

const (
	TagLocality  = "locality"
	TagEndpoints = "endpoints"
)

// GossipConfig configures a `GossipResolver`.
type GossipConfig struct {
	// NodeName MUST be unique in the cluster, it defaults to the hostname.
	NodeName string
	BindAddr string
	// BindPort of the gossip protocol, 0 picks a free port.
	BindPort int
	// Neighbours are tried by `Join`.
	Neighbours []string

	// Locality and Endpoints we advertise to other members.
	Locality  LocalityID
	Endpoints []string

	// Local tunes the gossip for a loopback network.
	Local bool
	// CoalescePeriod of membership events, zero disables coalescing.
	CoalescePeriod time.Duration

	LogHandler   slog.Handler
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

// GossipResolver is a `Resolver` learning the address of every locality
// from a serf cluster. Each member advertises its locality and endpoints
// as tags.
type GossipResolver struct {
	serf    *serf.Serf
	eventCh chan serf.Event
	logger  *slog.Logger
	msink   metrics.MetricSink
	labels  []metrics.Label

	neighbours []string
	here       LocalityID

	lk    sync.RWMutex
	table map[LocalityID]gossipEntry

	closeOnce sync.Once
	dropCh    chan struct{}
	wg        sync.WaitGroup
}

type gossipEntry struct {
	node      string
	endpoints []string
}

func NewGossipResolver(cfg GossipConfig) (*GossipResolver, error) {
	gr := &GossipResolver{
		eventCh:    make(chan serf.Event, 512),
		neighbours: slices.Clone(cfg.Neighbours),
		here:       cfg.Locality,
		table:      make(map[LocalityID]gossipEntry),
		dropCh:     make(chan struct{}),
		msink:      cfg.MetricSink,
		labels:     cfg.MetricLabels,
	}

	if gr.msink == nil {
		gr.msink = metrics.Default()
	}

	serfCfg := serf.DefaultConfig()
	if cfg.Local {
		serfCfg.MemberlistConfig = memberlist.DefaultLocalConfig()
	}
	if cfg.NodeName != "" {
		serfCfg.NodeName = cfg.NodeName
		serfCfg.MemberlistConfig.Name = cfg.NodeName
	}
	if cfg.BindAddr != "" {
		serfCfg.MemberlistConfig.BindAddr = cfg.BindAddr
	}
	serfCfg.MemberlistConfig.BindPort = cfg.BindPort
	serfCfg.MemberlistConfig.AdvertisePort = cfg.BindPort
	serfCfg.LogOutput = nil
	// We don't do any smart routing decision, we don't need coordinates.
	serfCfg.DisableCoordinates = true
	serfCfg.ValidateNodeNames = true
	if cfg.CoalescePeriod > 0 {
		serfCfg.CoalescePeriod = cfg.CoalescePeriod
		serfCfg.QuiescentPeriod = cfg.CoalescePeriod / 5
	}
	serfCfg.EventCh = gr.eventCh
	serfCfg.Tags = localityTags(cfg.Locality, cfg.Endpoints)

	if cfg.LogHandler != nil {
		gr.logger = slog.New(cfg.LogHandler)
	} else {
		gr.logger = slog.Default()
	}
	serfCfg.Logger = slog.NewLogLogger(gr.logger.Handler(), slog.LevelDebug)
	serfCfg.MemberlistConfig.Logger = serfCfg.Logger
	gr.logger = gr.logger.With(LabelLocality.L(cfg.Locality))

	// TODO(raskyld): Drop the translation once memberlist moves to the
	// hashicorp flavour of go-metrics.
	legLabels := make([]leg_metrics.Label, len(cfg.MetricLabels))
	for i, label := range cfg.MetricLabels {
		legLabels[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}
	serfCfg.MemberlistConfig.MetricLabels = legLabels

	s, err := serf.Create(serfCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	gr.serf = s
	gr.observe(s.LocalMember())

	gr.wg.Add(1)
	go gr.handleEvents()

	return gr, nil
}

// Join contacts the configured neighbours. Reaching at least one of them
// is enough.
func (gr *GossipResolver) Join() error {
	if len(gr.neighbours) == 0 {
		return nil
	}
	joined, err := gr.serf.Join(gr.neighbours, true)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	gr.logger.Info("cluster joined")
	if joined != len(gr.neighbours) {
		gr.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(gr.neighbours),
		)
	}
	return nil
}

// Advertise replaces the endpoints we advertise, typically once the
// `Parcelport` runs and knows its actual addresses.
func (gr *GossipResolver) Advertise(endpoints []string) error {
	if err := gr.serf.SetTags(localityTags(gr.here, endpoints)); err != nil {
		return err
	}
	gr.observe(gr.serf.LocalMember())
	return nil
}

// GossipAddr is the address other members can join us on.
func (gr *GossipResolver) GossipAddr() string {
	local := gr.serf.LocalMember()
	return fmt.Sprintf("%s:%d", local.Addr, local.Port)
}

// Members returns the current view of the cluster.
func (gr *GossipResolver) Members() []serf.Member {
	return gr.serf.Members()
}

func (gr *GossipResolver) Resolve(_ context.Context, id LocalityID) (Address, error) {
	gr.lk.RLock()
	defer gr.lk.RUnlock()
	entry, has := gr.table[id]
	if !has {
		return Address{}, fmt.Errorf("%w: %s", ErrUnknownLocality, id)
	}
	return Address{Locality: id, Endpoints: slices.Clone(entry.endpoints)}, nil
}

// Shutdown leaves the cluster and releases the gossip resources.
func (gr *GossipResolver) Shutdown() error {
	var err error
	gr.closeOnce.Do(func() {
		start := time.Now()
		gr.logger.Info("gossip: leave cluster")
		if lerr := gr.serf.Leave(); lerr != nil {
			gr.logger.Warn("gossip: failed to leave gracefully", LabelError.L(lerr))
		}

		close(gr.dropCh)
		err = gr.serf.Shutdown()
		gr.wg.Wait()
		<-gr.serf.ShutdownCh()
		gr.logger.Info("gossip: shutdown completed", LabelDuration.L(time.Since(start)))
	})
	return err
}

func (gr *GossipResolver) handleEvents() {
	defer gr.wg.Done()
	for {
		var event serf.Event
		select {
		case event = <-gr.eventCh:
		case <-gr.dropCh:
			return
		}

		memberEvent, ok := event.(serf.MemberEvent)
		if !ok {
			continue
		}
		for _, member := range memberEvent.Members {
			logger := withLogMember(gr.logger, member)
			switch memberEvent.Type {
			case serf.EventMemberJoin, serf.EventMemberUpdate:
				if gr.observe(member) {
					logger.Info("peer " + memberEvent.Type.String())
				}
			case serf.EventMemberLeave, serf.EventMemberFailed, serf.EventMemberReap:
				gr.forget(member)
				logger.Info("peer " + memberEvent.Type.String())
			}
		}
		gr.msink.SetGaugeWithLabels(MetricGossipMemberCount, float32(gr.serf.NumNodes()), gr.labels)
	}
}

// observe records the address advertised by `member`.
func (gr *GossipResolver) observe(member serf.Member) bool {
	id, endpoints, err := parseLocalityTags(member.Tags)
	if err != nil {
		gr.msink.IncrCounterWithLabels(
			MetricGossipInvalidTagsCount,
			1.0,
			withLabels(gr.labels, LabelPeerName.M(member.Name)),
		)
		withLogMember(gr.logger, member).Warn("ignoring peer", LabelError.L(err))
		return false
	}

	gr.lk.Lock()
	defer gr.lk.Unlock()
	if prev, has := gr.table[id]; has && prev.node != member.Name {
		withLogMember(gr.logger, member).Warn("locality claimed by another peer",
			"previous_owner", prev.node)
	}
	gr.table[id] = gossipEntry{node: member.Name, endpoints: endpoints}
	return true
}

func (gr *GossipResolver) forget(member serf.Member) {
	id, _, err := parseLocalityTags(member.Tags)
	if err != nil {
		return
	}
	gr.lk.Lock()
	defer gr.lk.Unlock()
	// NB: the locality may have been claimed by another node since.
	if entry, has := gr.table[id]; has && entry.node == member.Name {
		delete(gr.table, id)
	}
}

func localityTags(id LocalityID, endpoints []string) map[string]string {
	return map[string]string{
		TagLocality:  strconv.FormatUint(uint64(id), 10),
		TagEndpoints: strings.Join(endpoints, ","),
	}
}

func parseLocalityTags(tags map[string]string) (LocalityID, []string, error) {
	raw, has := tags[TagLocality]
	if !has {
		return 0, nil, fmt.Errorf("%w: missing %q", ErrInvalidTags, TagLocality)
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %q: %w", ErrInvalidTags, TagLocality, err)
	}
	var endpoints []string
	if raw := tags[TagEndpoints]; raw != "" {
		endpoints = strings.Split(raw, ",")
	}
	return LocalityID(id), endpoints, nil
}

func withLogMember(logger *slog.Logger, member serf.Member) *slog.Logger {
	return logger.With(
		LabelPeerName.L(member.Name),
		LabelPeerAddr.L(fmt.Sprintf("%s:%d", member.Addr, member.Port)),
	)
}
