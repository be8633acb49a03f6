package client_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/lightcache/client"
	"github.com/luma/lightcache/protocol"
	"github.com/luma/lightcache/storage"
	"github.com/luma/lightcache/stream"
	"github.com/luma/lightcache/transport"
)

var _ = Describe("client", func() {
	var (
		ctx    = context.Background()
		server *transport.TCP
		conn   *client.Conn
	)

	sessionSpecs := func() {
		Describe("Get() / Set()", func() {
			It("round trips values", func() {
				for _, key := range []string{"k", strings.Repeat("x", protocol.MaxKeySize-1), "ключ"} {
					for _, value := range [][]byte{{}, []byte("v"), make([]byte, 1000)} {
						Expect(conn.Set(ctx, key, value, time.Minute)).To(Succeed())

						got, found, err := conn.Get(ctx, key)
						Expect(err).To(Succeed())
						Expect(found).To(BeTrue())
						Expect(bytes.Equal(got, value)).To(BeTrue(), "key of %d bytes", len(key))
					}
				}
			})

			It("returns the latest value", func() {
				Expect(conn.Set(ctx, "key", []byte("value"), 0)).To(Succeed())
				Expect(conn.Set(ctx, "key", []byte("value2"), 0)).To(Succeed())

				got, found, err := conn.Get(ctx, "key")
				Expect(err).To(Succeed())
				Expect(found).To(BeTrue())
				Expect(string(got)).To(Equal("value2"))
			})

			It("does not find expired values", func() {
				Expect(conn.Set(ctx, "key", []byte("value"), time.Second)).To(Succeed())

				time.Sleep(1100 * time.Millisecond)

				got, found, err := conn.Get(ctx, "key")
				Expect(err).To(Succeed())
				Expect(found).To(BeFalse())
				Expect(got).To(BeNil())

				last, ok := conn.LastResponse()
				Expect(ok).To(BeTrue())
				Expect(last.Code).To(Equal(protocol.KeyNotExists))
			})

			It("rejects negative ttls without sending anything", func() {
				err := conn.Set(ctx, "key", []byte("value"), -time.Second)
				Expect(errors.Is(err, protocol.InvalidParam)).To(BeTrue())

				_, ok := conn.LastResponse()
				Expect(ok).To(BeFalse())
			})

			It("leaves ttl validation to the server when sent raw", func() {
				resp, err := conn.Do(ctx, protocol.NewRequest(protocol.CmdSet, "key", []byte("v"), []byte("0")))
				Expect(err).To(Succeed())
				Expect(resp.Code).To(Equal(protocol.InvalidParam))
				Expect(conn.State()).To(Equal(client.Idle))
			})
		})

		Describe("Delete()", func() {
			It("removes keys", func() {
				Expect(conn.Set(ctx, "key", []byte("value"), 0)).To(Succeed())
				Expect(conn.Delete(ctx, "key")).To(Succeed())

				_, found, err := conn.Get(ctx, "key")
				Expect(err).To(Succeed())
				Expect(found).To(BeFalse())
			})

			It("fails for missing keys", func() {
				Expect(conn.Delete(ctx, "nope")).To(MatchError(protocol.KeyNotExists))
			})
		})

		It("flushes everything", func() {
			for i := 0; i < 10; i++ {
				Expect(conn.Set(ctx, fmt.Sprintf("key%d", i), []byte("value"), 0)).To(Succeed())
			}

			Expect(conn.FlushAll(ctx)).To(Succeed())

			for i := 0; i < 10; i++ {
				_, found, err := conn.Get(ctx, fmt.Sprintf("key%d", i))
				Expect(err).To(Succeed())
				Expect(found).To(BeFalse())
			}
		})

		Describe("settings", func() {
			It("round trips 64 bit values", func() {
				Expect(conn.ChgSetting(ctx, protocol.SettingIdleConnTimeout, 0x1234567890)).To(Succeed())
				Expect(conn.GetSetting(ctx, protocol.SettingIdleConnTimeout)).To(Equal(uint64(0x1234567890)))
			})

			It("rejects unknown names and zero", func() {
				Expect(conn.ChgSetting(ctx, "nope", 1)).To(MatchError(protocol.InvalidParam))
				Expect(conn.ChgSetting(ctx, protocol.SettingMemAvail, 0)).To(MatchError(protocol.InvalidParam))

				_, err := conn.GetSetting(ctx, "nope")
				Expect(err).To(MatchError(protocol.InvalidParam))
			})

			It("rejects writes once mem_avail is used up", func() {
				Expect(conn.ChgSetting(ctx, protocol.SettingMemAvail, 16)).To(Succeed())
				Expect(conn.Set(ctx, "key", []byte("value"), 0)).To(Succeed())
				Expect(conn.Set(ctx, "key2", []byte("value2"), 0)).To(MatchError(protocol.InvalidState))
			})

			It("is disconnected once idle for longer than idle_conn_timeout", func() {
				Expect(conn.ChgSetting(ctx, protocol.SettingIdleConnTimeout, 1)).To(Succeed())

				result, err := conn.Probe(5 * time.Second)
				Expect(err).To(Succeed())
				Expect(result).To(Equal(stream.Disconnected))
				Expect(conn.State()).To(Equal(client.Closed))

				Expect(conn.Noop(ctx)).To(MatchError(client.ErrClosed))
			})

			It("is not disconnected before idle_conn_timeout", func() {
				Expect(conn.ChgSetting(ctx, protocol.SettingIdleConnTimeout, 5)).To(Succeed())

				result, err := conn.Probe(100 * time.Millisecond)
				Expect(err).To(Succeed())
				Expect(result).To(Equal(stream.TimedOutNoSignal))
				Expect(conn.Noop(ctx)).To(Succeed())
			})
		})

		It("reports stats", func() {
			Expect(conn.Set(ctx, "key", []byte("value"), 0)).To(Succeed())

			stats, err := conn.GetStats(ctx)
			Expect(err).To(Succeed())
			Expect(stats.MemUsed()).To(Equal(uint64(8)))
			Expect(stats.Keys()).To(ContainElement("curr_items"))
		})

		Describe("oversized requests", func() {
			It("rejects a key of the maximum size and stays usable", func() {
				_, _, err := conn.Get(ctx, strings.Repeat("k", protocol.MaxKeySize))
				Expect(err).To(MatchError(protocol.InvalidParamSize))
				Expect(conn.Noop(ctx)).To(Succeed())
			})

			It("rejects values that do not fit and stays usable", func() {
				err := conn.Set(ctx, "key", make([]byte, protocol.MaxDataSize+1), 0)
				Expect(err).To(MatchError(protocol.InvalidParamSize))
				Expect(conn.Noop(ctx)).To(Succeed())
			})
		})

		It("rejects unknown commands and stays usable", func() {
			resp, err := conn.Do(ctx, protocol.Request{Command: protocol.Command(20)})
			Expect(err).To(Succeed())
			Expect(resp.Opcode).To(Equal(protocol.Command(20)))
			Expect(resp.Code).To(Equal(protocol.InvalidCommand))

			Expect(conn.Noop(ctx)).To(Succeed())
		})

		It("answers pipelined requests in order", func() {
			Expect(conn.Send(ctx, protocol.NewRequest(protocol.CmdSet, "key", []byte("value"), []byte("60")))).To(Succeed())
			Expect(conn.Send(ctx, protocol.NewRequest(protocol.CmdGet, "key", nil, nil))).To(Succeed())
			Expect(conn.State()).To(Equal(client.AwaitingHeader))

			_, _, err := conn.Get(ctx, "key")
			Expect(err).To(MatchError(client.ErrPending))

			resp, err := conn.Receive(ctx)
			Expect(err).To(Succeed())
			Expect(resp.Opcode).To(Equal(protocol.CmdSet))

			resp, err = conn.Receive(ctx)
			Expect(err).To(Succeed())
			Expect(resp.Opcode).To(Equal(protocol.CmdGet))
			Expect(string(resp.Payload)).To(Equal("value"))
			Expect(conn.State()).To(Equal(client.Idle))

			_, err = conn.Receive(ctx)
			Expect(err).To(MatchError(client.ErrNothingPending))
		})

		It("can be closed twice", func() {
			Expect(conn.Close()).To(Succeed())
			Expect(conn.Close()).To(Succeed())

			_, _, err := conn.Get(ctx, "key")
			Expect(err).To(MatchError(client.ErrClosed))
		})
	}

	Context("over TCP", func() {
		BeforeEach(func() {
			server = makeServer(transport.Options{})

			var err error
			conn, err = client.Dial(ctx, "tcp", server.Addr().String(), client.WithTimeout(5*time.Second))
			Expect(err).To(Succeed())
		})

		AfterEach(func() {
			conn.Close()
			Expect(server.Close()).To(Succeed())
		})

		sessionSpecs()

		It("serves independent sessions in parallel", func() {
			var wg sync.WaitGroup

			for i := 0; i < 8; i++ {
				wg.Add(1)

				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()

					c, err := client.Dial(ctx, "tcp", server.Addr().String(), client.WithTimeout(5*time.Second))
					Expect(err).To(Succeed())
					defer c.Close()

					for j := 0; j < 50; j++ {
						key := fmt.Sprintf("session%d-key%d", i, j)

						Expect(c.Set(ctx, key, []byte(key), 0)).To(Succeed())

						got, found, err := c.Get(ctx, key)
						Expect(err).To(Succeed())
						Expect(found).To(BeTrue())
						Expect(string(got)).To(Equal(key))
					}
				}(i)
			}

			wg.Wait()
		})
	})

	Context("over a unix socket", func() {
		var dir string

		BeforeEach(func() {
			var err error
			dir, err = os.MkdirTemp("", "lightcache")
			Expect(err).To(Succeed())

			server = makeServer(transport.Options{SocketPath: filepath.Join(dir, "lightcache.sock")})

			conn, err = client.Dial(ctx, "unix", server.Addr().String(), client.WithTimeout(5*time.Second))
			Expect(err).To(Succeed())
		})

		AfterEach(func() {
			conn.Close()
			Expect(server.Close()).To(Succeed())
			os.RemoveAll(dir)
		})

		sessionSpecs()
	})

	Context("against a misbehaving server", func() {
		var local, peer net.Conn

		BeforeEach(func() {
			local, peer = net.Pipe()
			conn = client.New(local)
		})

		AfterEach(func() {
			conn.Close()
			peer.Close()
		})

		// answer reads one request off the peer side and writes raw back,
		// then hangs up. A nil raw leaves the request unanswered.
		answer := func(raw []byte) {
			p := peer

			go func() {
				defer GinkgoRecover()

				reader := stream.NewReader(p)

				b, err := reader.ReadExact(protocol.RequestHeaderSize)
				Expect(err).To(Succeed())

				header, err := protocol.DecodeRequestHeader(b)
				Expect(err).To(Succeed())

				_, err = reader.ReadExact(int(header.BodyLength()))
				Expect(err).To(Succeed())

				if raw == nil {
					return
				}

				p.Write(raw) // nolint: errcheck
				p.Close()
			}()
		}

		It("closes the session on a truncated header", func() {
			answer([]byte{0x09, 0x04, 0x00})

			err := conn.Noop(ctx)
			Expect(errors.Is(err, stream.ErrDisconnected)).To(BeTrue())
			Expect(conn.State()).To(Equal(client.Closed))

			Expect(conn.Noop(ctx)).To(MatchError(client.ErrClosed))
		})

		It("closes the session on a truncated payload", func() {
			frame, err := protocol.EncodeResponse(protocol.CmdGet, protocol.Success, []byte("value"))
			Expect(err).To(Succeed())
			answer(frame[:len(frame)-2])

			_, _, err = conn.Get(ctx, "key")
			Expect(errors.Is(err, stream.ErrDisconnected)).To(BeTrue())
			Expect(conn.State()).To(Equal(client.Closed))
		})

		It("refuses payloads above the limit", func() {
			conn = client.New(local, client.WithMaxPayload(4))

			frame, err := protocol.EncodeResponse(protocol.CmdGet, protocol.Success, []byte("value"))
			Expect(err).To(Succeed())
			answer(frame)

			_, _, err = conn.Get(ctx, "key")
			Expect(err).To(MatchError(client.ErrPayloadTooLarge))
			Expect(conn.State()).To(Equal(client.Closed))
		})

		It("passes unknown error codes through", func() {
			frame, err := protocol.EncodeResponse(protocol.CmdNoop, protocol.ErrorCode(6), nil)
			Expect(err).To(Succeed())
			answer(frame)

			err = conn.Noop(ctx)
			Expect(err).To(Equal(protocol.ErrorCode(6)))
			Expect(conn.State()).To(Equal(client.Idle))
		})

		It("gives up when the context is cancelled", func() {
			answer(nil)

			cctx, cancel := context.WithCancel(ctx)
			time.AfterFunc(50*time.Millisecond, cancel)

			err := conn.Noop(cctx)
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(conn.State()).To(Equal(client.Closed))
		})

		It("times out", func() {
			answer(nil)
			conn.SetTimeout(50 * time.Millisecond)

			err := conn.Noop(ctx)
			Expect(errors.Is(err, stream.ErrTimedOut)).To(BeTrue())
			Expect(conn.State()).To(Equal(client.Closed))
		})

		It("lets Close interrupt a call that is waiting for a response", func() {
			received := make(chan struct{})
			p := peer

			go func() {
				defer GinkgoRecover()

				reader := stream.NewReader(p)

				b, err := reader.ReadExact(protocol.RequestHeaderSize)
				Expect(err).To(Succeed())

				header, err := protocol.DecodeRequestHeader(b)
				Expect(err).To(Succeed())

				_, err = reader.ReadExact(int(header.BodyLength()))
				Expect(err).To(Succeed())

				close(received)
			}()

			done := make(chan error, 1)
			go func() {
				_, _, err := conn.Get(ctx, "key")
				done <- err
			}()

			Eventually(received).Should(BeClosed())

			closed := make(chan error, 1)
			go func() {
				closed <- conn.Close()
			}()

			Eventually(closed, time.Second).Should(Receive(BeNil()))

			var err error
			Eventually(done, time.Second).Should(Receive(&err))
			Expect(errors.Is(err, stream.ErrDisconnected)).To(BeTrue())
			Expect(conn.State()).To(Equal(client.Closed))
			Expect(conn.Noop(ctx)).To(MatchError(client.ErrClosed))
		})

		It("fails straight away on a cancelled context", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()

			Expect(conn.Noop(cctx)).To(MatchError(context.Canceled))
			Expect(conn.State()).To(Equal(client.Idle))
		})
	})
})

func makeServer(options transport.Options) *transport.TCP {
	options.Host = "127.0.0.1"
	options.NumListeners = 1
	options.Reuseport = options.SocketPath == ""
	options.Store = storage.NewInmemoryStore()
	options.Log = zap.NewNop()

	server := transport.NewTCP(options)
	Expect(server.Start(context.Background())).To(Succeed())

	return server
}
