package remote

import (
	"context"
	"log/slog"

	"chunkvault/pkg/core"
	"chunkvault/pkg/digest"
	"chunkvault/pkg/fault"
	"chunkvault/pkg/storage"
	"chunkvault/pkg/types"
	"chunkvault/pkg/wire"
)

// receiver 负责协商和传输的接收一侧
type receiver struct {
	conn  *wire.Conn
	store storage.Store
	alg   digest.Algorithm
	sess  *Session
	res   *Result

	expected map[types.Hash]core.ObjectType // 回答过 Need 的 ID
	present  map[types.Hash]bool            // 本次会话已写入的对象
	known    map[types.Hash]bool            // Has 的结果缓存
	deferred map[types.Hash]core.Object     // 引用尚未就绪的对象
	blocked  map[types.Hash]int             // deferred 对象还缺几个引用
	waiters  map[types.Hash][]types.Hash    // 缺失的引用 -> 等待它的 deferred 对象
}

func newReceiver(conn *wire.Conn, store storage.Store, alg digest.Algorithm, sess *Session, res *Result) *receiver {
	return &receiver{
		conn:     conn,
		store:    store,
		alg:      alg,
		sess:     sess,
		res:      res,
		expected: make(map[types.Hash]core.ObjectType),
		present:  make(map[types.Hash]bool),
		known:    make(map[types.Hash]bool),
		deferred: make(map[types.Hash]core.Object),
		blocked:  make(map[types.Hash]int),
		waiters:  make(map[types.Hash][]types.Hash),
	}
}

// run 回答协商、接收对象并做最后的校验
func (r *receiver) run(ctx context.Context) error {
	r.sess.advance(StateNegotiating)
	total, err := r.negotiate(ctx)
	if err != nil {
		return err
	}

	r.sess.advance(StateTransferring)
	r.sess.logger.Info("receiving objects", slog.Int("objects", total))
	if err := r.transfer(ctx); err != nil {
		return err
	}

	r.sess.advance(StateVerifying)
	return r.verify(ctx)
}

// negotiate 对每条 Offer 回答缺失的 ID，直到收到 Begin
func (r *receiver) negotiate(ctx context.Context) (int, error) {
	for {
		t, payload, err := r.conn.ReadFrame()
		if err != nil {
			return 0, err
		}
		switch t {
		case wire.FrameBegin:
			var b wire.Begin
			if err := r.conn.Decode(t, payload, wire.FrameBegin, &b); err != nil {
				return 0, err
			}
			if b.Objects != len(r.expected) {
				return 0, fault.Newf(fault.NegotiationFailure, "remote.negotiate",
					"sender announced %d objects, %d were negotiated", b.Objects, len(r.expected))
			}
			return b.Objects, nil
		case wire.FrameOffer:
			var offer wire.Offer
			if err := r.conn.Decode(t, payload, wire.FrameOffer, &offer); err != nil {
				return 0, err
			}
			need, err := r.answer(ctx, offer)
			if err != nil {
				return 0, err
			}
			if err := r.conn.Send(wire.FrameNeed, &wire.Need{IDs: need}); err != nil {
				return 0, err
			}
		default:
			return 0, r.conn.Decode(t, payload, wire.FrameOffer, nil)
		}
	}
}

func (r *receiver) answer(ctx context.Context, offer wire.Offer) ([]types.Hash, error) {
	kind, err := core.TypeFromTag(offer.Level)
	if err != nil {
		return nil, fault.New(fault.NegotiationFailure, "remote.negotiate", err)
	}
	if len(offer.IDs) > wire.MaxOfferBatch {
		return nil, fault.Newf(fault.NegotiationFailure, "remote.negotiate",
			"offer of %d ids exceeds batch limit %d", len(offer.IDs), wire.MaxOfferBatch)
	}
	need := make([]types.Hash, 0, len(offer.IDs))
	for _, id := range offer.IDs {
		if _, ok := r.expected[id]; ok {
			continue
		}
		ok, err := r.has(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			r.expected[id] = kind
			need = append(need, id)
		}
	}
	return need, nil
}

func (r *receiver) has(ctx context.Context, id types.Hash) (bool, error) {
	if ok, cached := r.known[id]; cached {
		return ok, nil
	}
	ok, err := r.store.Has(ctx, id)
	if err != nil {
		return false, fault.Wrap(fault.IOError, "remote.has", err)
	}
	r.known[id] = ok
	return ok, nil
}

// transfer 接收对象帧直到 TransferEnd，回应 Ack；有被拒绝的对象时等待重传
func (r *receiver) transfer(ctx context.Context) error {
	var rejected []types.Hash
	for {
		t, payload, err := r.conn.ReadFrame()
		if err != nil {
			return err
		}
		switch t {
		case wire.FrameObject:
			id, ok, err := r.accept(ctx, payload)
			if err != nil {
				return err
			}
			if !ok {
				rejected = append(rejected, id)
			}
		case wire.FrameTransferEnd:
			if err := r.conn.Send(wire.FrameAck, &wire.Ack{Rejected: rejected}); err != nil {
				return err
			}
			if len(rejected) == 0 {
				return nil
			}
			r.sess.logger.Warn("rejected objects, awaiting retransmission", slog.Int("count", len(rejected)))
			rejected = nil
		default:
			return r.conn.Decode(t, payload, wire.FrameObject, nil)
		}
	}
}

// accept 校验并写入一个对象。摘要不符时返回 false，由发送方重传。
func (r *receiver) accept(ctx context.Context, payload []byte) (types.Hash, bool, error) {
	frame, err := wire.ParseObject(payload)
	if err != nil {
		return types.ZeroHash, false, err
	}
	id := frame.ID
	kind, ok := r.expected[id]
	if _, waiting := r.deferred[id]; !ok || waiting || r.present[id] {
		return id, false, fault.Newf(fault.NegotiationFailure, "remote.receive", "unrequested object %s", id.Short())
	}
	if frame.Kind != kind || !core.Verify(r.alg, frame.Kind, id, frame.Data) {
		r.sess.logger.Warn("digest mismatch", slog.String("id", id.Short()), slog.String("kind", string(frame.Kind)))
		return id, false, nil
	}
	obj, err := core.Decode(r.alg, frame.Kind, frame.Data)
	if err != nil {
		// 摘要正确但无法解码或结构不合法：重传也得到同样的字节
		return id, false, fault.Fatal(fault.DigestMismatch, "remote.receive", err)
	}

	missing, err := r.missing(ctx, obj)
	if err != nil {
		return id, false, err
	}
	if len(missing) > 0 {
		r.deferred[id] = obj
		r.blocked[id] = len(missing)
		for _, link := range missing {
			r.waiters[link] = append(r.waiters[link], id)
		}
		return id, true, nil
	}
	if err := r.put(ctx, obj); err != nil {
		return id, false, err
	}
	return id, true, r.release(ctx, id)
}

// missing 返回对象引用中尚不存在的对象 (去重)
func (r *receiver) missing(ctx context.Context, obj core.Object) ([]types.Hash, error) {
	var out []types.Hash
	seen := make(map[types.Hash]bool)
	for _, link := range obj.Links() {
		if r.present[link] || seen[link] {
			continue
		}
		seen[link] = true
		if _, ok := r.expected[link]; ok {
			out = append(out, link)
			continue
		}
		ok, err := r.has(ctx, link)
		if err != nil {
			return nil, err
		}
		if !ok {
			out = append(out, link)
		}
	}
	return out, nil
}

// release 在 id 写入后，依次写入因它而就绪的 deferred 对象
func (r *receiver) release(ctx context.Context, id types.Hash) error {
	queue := []types.Hash{id}
	for len(queue) > 0 {
		done := queue[0]
		queue = queue[1:]
		for _, w := range r.waiters[done] {
			r.blocked[w]--
			if r.blocked[w] > 0 {
				continue
			}
			if err := r.put(ctx, r.deferred[w]); err != nil {
				return err
			}
			delete(r.deferred, w)
			delete(r.blocked, w)
			queue = append(queue, w)
		}
		delete(r.waiters, done)
	}
	return nil
}

func (r *receiver) put(ctx context.Context, obj core.Object) error {
	if _, _, err := r.store.Put(ctx, obj); err != nil {
		return err
	}
	r.present[obj.ID()] = true
	r.known[obj.ID()] = true
	r.res.ObjectsReceived++
	return nil
}

// verify 检查每个协商过的对象都已写入
func (r *receiver) verify(ctx context.Context) error {
	var missing []types.Hash
	for id := range r.expected {
		if !r.present[id] {
			missing = append(missing, id)
		}
	}
	if err := r.conn.Send(wire.FrameVerify, &wire.Verify{Missing: missing}); err != nil {
		return err
	}
	if len(missing) > 0 {
		return fault.Newf(fault.NegotiationFailure, "remote.verify", "%d negotiated objects were not stored", len(missing))
	}
	return ctx.Err()
}
