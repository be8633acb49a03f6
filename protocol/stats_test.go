package protocol_test

import (
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/lightcache/protocol"
)

var _ = Describe("Stats", func() {
	Describe("ParseStats()", func() {
		It("keeps the order of the payload", func() {
			stats := protocol.ParseStats([]byte("mem_used:120\r\ncurr_items:3\r\nuptime:9\r\n"))
			Expect(stats.Keys()).To(Equal([]string{"mem_used", "curr_items", "uptime"}))

			v, ok := stats.Get("curr_items")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal("3"))
		})

		It("skips lines without a colon", func() {
			stats := protocol.ParseStats([]byte("garbage\r\nmem_used:1\r\n\r\n"))
			Expect(stats.Keys()).To(Equal([]string{"mem_used"}))
		})

		It("splits on the first colon only", func() {
			stats := protocol.ParseStats([]byte("addr:127.0.0.1:13131\r\n"))
			v, _ := stats.Get("addr")
			Expect(v).To(Equal("127.0.0.1:13131"))
		})

		It("round trips through FormatStats", func() {
			payload := []byte("mem_used:10\r\ncurr_items:0\r\n")
			Expect(protocol.FormatStats(protocol.ParseStats(payload))).To(Equal(payload))
		})
	})

	Describe("Stats.MemUsed()", func() {
		It("returns mem_used as a number", func() {
			stats := protocol.ParseStats([]byte("mem_used:1024\r\n"))
			Expect(stats.MemUsed()).To(Equal(uint64(1024)))
		})

		It("fails when mem_used is missing", func() {
			_, err := protocol.ParseStats([]byte("curr_items:1\r\n")).MemUsed()
			Expect(errors.Is(err, protocol.ErrMissingStat)).To(BeTrue())
		})

		It("fails when mem_used is not a number", func() {
			_, err := protocol.ParseStats([]byte("mem_used:lots\r\n")).MemUsed()
			Expect(errors.Is(err, protocol.ErrInvalidNumber)).To(BeTrue())
		})
	})
})
