package cmd_test

import (
	"bytes"
	"context"
	"strings"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"

	"github.com/luma/lightcache/cmd"
	"github.com/luma/lightcache/protocol"
	"github.com/luma/lightcache/storage"
	"github.com/luma/lightcache/transport"
)

var _ = Describe("cmd", func() {
	var server *transport.TCP

	// run executes the root command against server and returns its stdout
	run := func(args ...string) (string, error) {
		var out bytes.Buffer

		cmd.RootCmd.SetOut(&out)
		cmd.RootCmd.SetErr(&bytes.Buffer{})
		cmd.RootCmd.SetArgs(append([]string{"--address", server.Addr().String()}, args...))

		err := cmd.RootCmd.ExecuteContext(context.Background())
		return out.String(), err
	}

	BeforeEach(func() {
		server = transport.NewTCP(transport.Options{
			Host:         "127.0.0.1",
			NumListeners: 1,
			Store:        storage.NewInmemoryStore(),
		})
		Expect(server.Start(context.Background())).To(Succeed())
	})

	AfterEach(func() {
		Expect(server.Close()).To(Succeed())
	})

	It("sets, gets and deletes keys", func() {
		_, err := run("set", "greeting", "hello", "--ttl", "10m")
		Expect(err).To(Succeed())

		out, err := run("get", "greeting")
		Expect(err).To(Succeed())
		Expect(out).To(Equal("hello\n"))

		_, err = run("delete", "greeting")
		Expect(err).To(Succeed())

		_, err = run("get", "greeting")
		Expect(err).To(MatchError(protocol.KeyNotExists))
	})

	It("flushes", func() {
		_, err := run("set", "greeting", "hello")
		Expect(err).To(Succeed())

		_, err = run("flush")
		Expect(err).To(Succeed())
		Expect(server.Store().Len()).To(BeZero())
	})

	It("pings", func() {
		out, err := run("noop")
		Expect(err).To(Succeed())
		Expect(out).To(HavePrefix("OK"))
	})

	It("reads and changes settings", func() {
		_, err := run("setting", "set", protocol.SettingMemAvail, "4096")
		Expect(err).To(Succeed())

		out, err := run("setting", "get", protocol.SettingMemAvail)
		Expect(err).To(Succeed())
		Expect(out).To(Equal("4096\n"))

		_, err = run("setting", "set", protocol.SettingMemAvail, "lots")
		Expect(err).NotTo(Succeed())
	})

	It("prints stats as lines or JSON", func() {
		out, err := run("stats")
		Expect(err).To(Succeed())
		Expect(strings.Split(out, "\r\n")).To(ContainElement("mem_used:0"))

		out, err = run("stats", "--json")
		Expect(err).To(Succeed())
		Expect(gjson.Get(out, "mem_used").String()).To(Equal("0"))
		Expect(gjson.Get(out, "curr_items").String()).To(Equal("0"))
	})
})

var _ = Describe("StatsJSON()", func() {
	It("keeps names with path characters intact", func() {
		stats := protocol.ParseStats([]byte("mem_used:10\r\nslab.1.size:64\r\n"))

		doc, err := cmd.StatsJSON(stats)
		Expect(err).To(Succeed())
		Expect(string(doc)).To(Equal(`{"mem_used":"10","slab.1.size":"64"}`))
	})
})
