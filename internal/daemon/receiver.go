package daemon

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/agnaldosb/flysafe-fdi/internal/anomaly"
	"github.com/agnaldosb/flysafe-fdi/internal/crypto"
	"github.com/agnaldosb/flysafe-fdi/internal/debuglog"
	"github.com/agnaldosb/flysafe-fdi/internal/geo"
	"github.com/agnaldosb/flysafe-fdi/internal/metrics"
	"github.com/agnaldosb/flysafe-fdi/internal/neighbor"
	"github.com/agnaldosb/flysafe-fdi/internal/node"
	"github.com/agnaldosb/flysafe-fdi/internal/proto"
)

var (
	errUnsealedTrap = errors.New("cleartext trap under defense")
	errSealedKind   = errors.New("sealed payload is not a trap")
	errUndefended   = errors.New("sealed trap on undefended node")
	errNoSubject    = errors.New("notification without subject")
)

// Receive handles one datagram addressed to this node or broadcast.
func (r *Runner) Receive(d Datagram) Outcome {
	src := d.Src
	kind := proto.KindInvalid
	reject := func(reason Reason, err error) Outcome {
		rerr := &recvError{msg: string(reason), err: err}
		key := classifyDropReason(reason, err)
		r.counters.incDrop(key)
		if key == "" {
			return Dropped(reason, rerr)
		}
		if debuglog.Allow("recv-reject:"+r.Self.Addr.String()+":"+key, rejectLogInterval) {
			r.log.WithFields(logrus.Fields{
				"from":   src.String(),
				"kind":   kind.String(),
				"reason": key,
			}).Info(rerr.Error())
		}
		ev := Event{Type: EventDropped, Peer: src, Kind: kind, Reason: reason}
		if err != nil {
			ev.Detail = err.Error()
		}
		r.trace(ev)
		return Dropped(reason, rerr)
	}

	if r.stopped {
		return reject(ReasonStopped, nil)
	}
	if src == r.Self.Addr {
		return reject(ReasonSelf, nil)
	}
	if d.Dst != r.Self.Addr && d.Dst != node.Broadcast {
		return reject(ReasonNotForUs, fmt.Errorf("dst %s", d.Dst))
	}
	if r.Self.Suspicions.IsBlocked(src) {
		return reject(ReasonBlocked, nil)
	}

	msg, err := proto.ParsePayload(d.Payload)
	if err != nil {
		return reject(ReasonParse, err)
	}
	kind = msg.Kind()
	// Adversaries only forward; their sniffer handles what they overhear.
	if r.Self.IsAdversary() {
		r.counters.incRecv(kind)
		return reject(ReasonPassive, nil)
	}
	if sealed, ok := msg.(proto.SealedTrap); ok {
		if !r.opts.Defense {
			return reject(ReasonParse, errUndefended)
		}
		msg, err = r.openTrap(src, sealed)
		switch {
		case errors.Is(err, crypto.ErrNoKey):
			r.forceHandshake(src)
			return reject(ReasonNoKey, err)
		case errors.Is(err, crypto.ErrOpen), errors.Is(err, errSealedKind):
			return reject(ReasonAuth, err)
		case err != nil:
			return reject(ReasonParse, err)
		}
	} else if r.opts.Defense && kind == proto.KindTrap {
		return reject(ReasonAuth, errUnsealedTrap)
	}
	f, err := proto.FieldsOf(msg)
	if err != nil {
		return reject(ReasonParse, err)
	}
	r.counters.incRecv(kind)
	if r.opts.Defense && kind.IsSuspicion() {
		return reject(ReasonDisabled, nil)
	}

	selfPos := r.env.Position()
	obs := anomaly.Observation{
		Kind:     kind,
		Defense:  r.opts.Defense,
		Reported: f.Position,
		SendTime: f.SendTime,
		Self:     selfPos,
		Prior:    r.prior(src),
	}
	if r.opts.Defense && r.det.SpoofedDiscovery(obs) {
		return r.rejectAnomaly(reject, src, kind, anomaly.Verdict{
			Reason: anomaly.SpoofDiscovery,
			Detail: fmt.Sprintf("discovery with position %s", f.Position),
		})
	}
	if r.opts.Mitigation {
		if v := r.det.Check(obs); !v.OK() {
			return r.rejectAnomaly(reject, src, kind, v)
		}
	}

	dist := geo.Distance(selfPos, f.Position)
	att := geo.Keep
	if row, ok := r.Self.Neighbors.Get(src); ok {
		att = geo.AttitudeOf(dist, row.Distance)
	}
	registered := false
	if r.opts.Suspicion {
		var blocked bool
		registered, blocked = r.screenLocation(src, f, dist)
		if blocked {
			return reject(ReasonBlocked, fmt.Errorf("%s blocked after repeated false locations", src))
		}
	}

	in := inbound{src: src, kind: kind, f: f, selfPos: selfPos, dist: dist, att: att, registered: registered}
	var reason Reason
	switch kind {
	case proto.KindHello, proto.KindID, proto.KindSpecialID:
		reason, err = r.onDiscovery(in)
	case proto.KindTrap:
		reason, err = r.onTrap(in)
	case proto.KindSuspect:
		reason, err = r.onSuspect(in)
	case proto.KindBlocked:
		reason, err = r.onBlocked(in)
	case proto.KindSuspReduce:
		reason, err = r.onSuspReduce(in)
	default:
		reason, err = ReasonUnknownKind, fmt.Errorf("%w: %d", proto.ErrUnknownKind, uint8(kind))
	}
	if reason != ReasonNone || err != nil {
		return reject(reason, err)
	}
	r.trace(Event{
		Type:       EventReceived,
		Peer:       src,
		Kind:       kind,
		Position:   selfPos,
		Reported:   f.Position,
		SendTime:   f.SendTime,
		Neighbors:  r.Self.Neighbors.List(),
		Suspicions: r.Self.Suspicions.List(),
	})
	return Accepted(kind)
}

type inbound struct {
	src        netip.Addr
	kind       proto.Kind
	f          proto.Fields
	selfPos    geo.Vec3
	dist       float64
	att        geo.Attitude
	registered bool
}

func (r *Runner) rejectAnomaly(reject func(Reason, error) Outcome, src netip.Addr, kind proto.Kind, v anomaly.Verdict) Outcome {
	reason := reasonForAnomaly(v.Reason)
	r.Metrics.IncAnomaly(metrics.AnomalyRecord{
		Time:   r.env.Now(),
		Node:   r.Self.Addr.String(),
		From:   src.String(),
		Kind:   kind.String(),
		Reason: v.Reason.String(),
		Detail: v.Detail,
	})
	return reject(reason, errors.New(v.Detail))
}

// prior is the last directly accepted state of peer, if any.
func (r *Runner) prior(peer netip.Addr) *anomaly.Prior {
	row, ok := r.Self.Neighbors.Get(peer)
	if !ok || !row.HasInfoTime {
		return nil
	}
	return &anomaly.Prior{Position: row.Position, InfoTime: row.InfoTime}
}

func (r *Runner) openTrap(src netip.Addr, s proto.SealedTrap) (proto.Message, error) {
	key := r.Self.Sessions.Key(src)
	if key == nil {
		return nil, fmt.Errorf("trap from %s: %w", src, crypto.ErrNoKey)
	}
	plain, err := crypto.OpenTag(key, s.Sealed)
	if err != nil {
		return nil, err
	}
	tag, err := proto.DecodeTag(plain)
	if err != nil {
		return nil, err
	}
	if tag.Kind != proto.KindTrap {
		return nil, fmt.Errorf("%w: %s", errSealedKind, tag.Kind)
	}
	return proto.FromTag(tag)
}

// forceHandshake answers a trap we cannot open with a Hello so the sender
// learns our key and we learn theirs.
func (r *Runner) forceHandshake(peer netip.Addr) {
	pos := r.advertised(r.env.Position())
	if err := r.sendMessage(peer, proto.KindHello, r.discoveryFields(pos)); err != nil {
		r.log.Debugf("hello to %s: %v", peer, err)
	}
}

func (r *Runner) replyID(peer netip.Addr) {
	pos := r.advertised(r.env.Position())
	if err := r.sendMessage(peer, proto.KindID, r.discoveryFields(pos)); err != nil {
		r.log.Debugf("id to %s: %v", peer, err)
	}
}

func (r *Runner) onDiscovery(in inbound) (Reason, error) {
	if r.opts.Defense {
		if reason, err := r.defendedDiscovery(in); reason != ReasonNone {
			return reason, err
		}
	} else {
		if !in.registered {
			if err := r.upsertDirect(in); err != nil {
				return ReasonStale, err
			}
		}
		r.mergeDigest(in.selfPos, in.f.Neighbors)
	}
	if in.kind != proto.KindID {
		r.replyID(in.src)
	}
	return ReasonNone, nil
}

// defendedDiscovery learns the sender's key, then refreshes a known one-hop
// peer or moves the sender into the handshake set.
func (r *Runner) defendedDiscovery(in inbound) (Reason, error) {
	nl := r.Self.Neighbors
	rekeyed, err := r.Self.Learn(in.src, in.f.PublicKey)
	if err != nil {
		return ReasonBadKey, err
	}
	if row, ok := nl.Get(in.src); ok && row.Hop == 1 {
		if rekeyed {
			r.log.Debugf("%s announced a new key", in.src)
		}
		if err := nl.Touch(in.src, nl.MaxQuality(), in.f.SendTime); err != nil {
			return ReasonStale, err
		}
		return ReasonNone, nil
	}
	nl.Remove(in.src)
	if r.Self.Handshakes.Add(in.src) {
		r.Metrics.IncHandshake()
		r.log.Debugf("handshake with %s", in.src)
	}
	return ReasonNone, nil
}

func (r *Runner) onTrap(in inbound) (Reason, error) {
	nl := r.Self.Neighbors
	switch {
	case r.opts.Defense && r.Self.Handshakes.Take(in.src):
		if err := r.register(in); err != nil {
			return ReasonNone, err
		}
		r.Metrics.IncPromotion()
	case in.registered:
	case nl.Has(in.src):
		if err := r.upsertDirect(in); err != nil {
			return ReasonStale, err
		}
	default:
		// Under defense the trap opened, so the key is already shared.
		if err := r.register(in); err != nil {
			return ReasonNone, err
		}
		if r.opts.Defense {
			r.Metrics.IncPromotion()
		}
	}
	r.mergeDigest(in.selfPos, in.f.Neighbors)
	return ReasonNone, nil
}

func (r *Runner) register(in inbound) error {
	return r.Self.Neighbors.Upsert(neighbor.Row{
		Addr:        in.src,
		Position:    in.f.Position,
		Distance:    in.dist,
		Attitude:    geo.Keep,
		Quality:     r.Self.Neighbors.MaxQuality(),
		Hop:         1,
		State:       neighbor.Ordinary,
		InfoTime:    in.f.SendTime,
		HasInfoTime: true,
	})
}

func (r *Runner) upsertDirect(in inbound) error {
	nl := r.Self.Neighbors
	if !nl.Has(in.src) {
		return r.register(in)
	}
	return nl.Update(in.src, in.f.Position, in.dist, in.att, nl.MaxQuality(), 1, in.f.SendTime)
}

func (r *Runner) mergeDigest(selfPos geo.Vec3, ds []proto.Digest) {
	if len(ds) == 0 {
		return
	}
	self := r.Self.Addr
	r.Self.Neighbors.Merge(selfPos, ds, func(a netip.Addr) bool {
		if a == self || r.Self.Suspicions.IsBlocked(a) {
			return true
		}
		return r.opts.Defense && r.Self.Handshakes.Has(a)
	})
}
