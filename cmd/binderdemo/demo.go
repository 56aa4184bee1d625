package main

import (
	"context"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/ngrok/binder"
	"github.com/ngrok/binder/internal/client"
	"github.com/ngrok/binder/internal/memspace"
	"github.com/ngrok/binder/internal/proto"
)

const (
	servicePID = 1
	clientPID  = 2

	codePing   = 1
	codeNotify = 2
)

// Stats counts what one run exchanged.
type Stats struct {
	Calls   int
	Replies int
	Oneway  int
}

type demoProc struct {
	conn     *binder.Conn
	c        *client.Client
	transfer []byte
}

func openProc(d *binder.Driver, pid int32, size int) (*demoProc, error) {
	mem := memspace.New(0x10000)
	conn, err := d.Open(binder.OpenOptions{
		Identity: binder.Identity{PID: pid, TID: pid},
		Memory:   mem,
	})
	if err != nil {
		return nil, err
	}
	transfer, err := binder.NewSharedMemory(size)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c := client.New(conn, mem)
	if _, err := c.Map(transfer); err != nil {
		conn.Close()
		binder.ReleaseSharedMemory(transfer)
		return nil, err
	}
	return &demoProc{conn: conn, c: c, transfer: transfer}, nil
}

func (p *demoProc) close() error {
	if err := p.conn.Close(); err != nil {
		return err
	}
	return binder.ReleaseSharedMemory(p.transfer)
}

// run registers a service manager, then drives cfg.Iterations synchronous
// calls followed by as many oneway calls at it from a second process.
func run(ctx context.Context, cfg *Config, d *binder.Driver, l log15.Logger) (Stats, error) {
	var stats Stats
	sm, err := openProc(d, servicePID, cfg.BufferSize)
	if err != nil {
		return stats, errors.Wrap(err, "could not open service manager")
	}
	defer sm.close()
	cl, err := openProc(d, clientPID, cfg.BufferSize)
	if err != nil {
		return stats, errors.Wrap(err, "could not open client")
	}
	defer cl.close()

	if _, err := sm.c.Ioctl(ctx, 1, proto.SetContextMgr, nil); err != nil {
		return stats, errors.Wrap(err, "could not become context manager")
	}
	if err := sm.c.Write(ctx, 1, client.EnterLooper()); err != nil {
		return stats, err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serve(ctx, sm, 2*cfg.Iterations, l.New("pid", servicePID))
	})
	g.Go(func() error {
		var err error
		stats, err = drive(ctx, cl, cfg.Iterations)
		return err
	})
	return stats, g.Wait()
}

// serve answers calls on thread 1 until it has seen want transactions.
func serve(ctx context.Context, p *demoProc, want int, l log15.Logger) error {
	for seen := 0; seen < want; {
		ret, err := p.c.Read(ctx, 1)
		if err != nil {
			return errors.Wrap(err, "service manager read")
		}
		switch ret.Code {
		case proto.BRTransaction:
			seen++
			free := client.FreeBuffer(ret.Txn.DataBuffer)
			if ret.Txn.Flags&proto.FlagOneway != 0 {
				if err := p.c.Write(ctx, 1, free); err != nil {
					return err
				}
				continue
			}
			data, err := p.c.Data(ret.Txn)
			if err != nil {
				return err
			}
			reply := p.c.Reply(ret.Txn.Code, 0, client.Payload{Data: data})
			if err := p.c.Write(ctx, 1, free, reply); err != nil {
				return err
			}
		case proto.BRTransactionComplete, proto.BRNoop, proto.BRSpawnLooper:
		default:
			l.Warn("unexpected return", "cmd", ret)
		}
	}
	return nil
}

func drive(ctx context.Context, p *demoProc, n int) (Stats, error) {
	var stats Stats
	seq := make([]byte, 8)
	for i := 0; i < n; i++ {
		proto.PutUint64(seq, uint64(i))
		if err := p.c.Write(ctx, 1, p.c.Transaction(0, codePing, 0, client.Payload{Data: seq})); err != nil {
			return stats, err
		}
		stats.Calls++
		reply, err := await(ctx, p, proto.BRReply)
		if err != nil {
			return stats, err
		}
		data, err := p.c.Data(reply.Txn)
		if err != nil {
			return stats, err
		}
		if proto.Uint64(data) != uint64(i) {
			return stats, errors.Errorf("reply %d carried %x", i, data)
		}
		if err := p.c.Write(ctx, 1, client.FreeBuffer(reply.Txn.DataBuffer)); err != nil {
			return stats, err
		}
		stats.Replies++
	}
	for i := 0; i < n; i++ {
		if err := p.c.Write(ctx, 1, p.c.Transaction(0, codeNotify, proto.FlagOneway, client.Payload{})); err != nil {
			return stats, err
		}
		stats.Oneway++
	}
	return stats, nil
}

// await reads until code arrives, skipping acknowledgements.
func await(ctx context.Context, p *demoProc, code uint32) (client.Return, error) {
	for {
		ret, err := p.c.Read(ctx, 1)
		if err != nil {
			return ret, err
		}
		switch ret.Code {
		case code:
			return ret, nil
		case proto.BRTransactionComplete, proto.BRNoop:
		default:
			return ret, errors.Errorf("waiting for %s, got %s", client.ReturnName(code), ret)
		}
	}
}
