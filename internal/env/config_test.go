package env_test

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zapcore"

	"github.com/luma/lightcache/internal/env"
)

var _ = Describe("env", func() {
	Describe("LoadConfig()", func() {
		AfterEach(func() {
			os.Unsetenv("LIGHTCACHE_ADDRESS")
			os.Unsetenv("LIGHTCACHE_TIMEOUT")
			os.Unsetenv("LIGHTCACHE_MEM_AVAIL")
		})

		It("has defaults", func() {
			conf, err := env.LoadConfig(context.Background())
			Expect(err).To(Succeed())

			Expect(conf.Network).To(Equal("tcp"))
			Expect(conf.Address).To(Equal("127.0.0.1:13131"))
			Expect(conf.Timeout).To(Equal(5 * time.Second))
			Expect(conf.IdleConnTimeout).To(Equal(5 * time.Minute))
			Expect(conf.MemAvail).To(Equal(uint64(64 << 20)))
		})

		It("reads LIGHTCACHE_ variables", func() {
			os.Setenv("LIGHTCACHE_ADDRESS", "10.0.0.1:1234")
			os.Setenv("LIGHTCACHE_TIMEOUT", "250ms")
			os.Setenv("LIGHTCACHE_MEM_AVAIL", "1024")

			conf, err := env.LoadConfig(context.Background())
			Expect(err).To(Succeed())

			Expect(conf.Address).To(Equal("10.0.0.1:1234"))
			Expect(conf.Timeout).To(Equal(250 * time.Millisecond))
			Expect(conf.MemAvail).To(Equal(uint64(1024)))
		})

		It("fails on values it cannot parse", func() {
			os.Setenv("LIGHTCACHE_TIMEOUT", "soon")

			_, err := env.LoadConfig(context.Background())
			Expect(err).NotTo(Succeed())
		})
	})

	Describe("MakeLogger()", func() {
		It("builds production and debug loggers", func() {
			log, err := env.MakeLogger(false)
			Expect(err).To(Succeed())
			Expect(log.Core().Enabled(zapcore.DebugLevel)).To(BeFalse())

			log, err = env.MakeLogger(true)
			Expect(err).To(Succeed())
			Expect(log.Core().Enabled(zapcore.DebugLevel)).To(BeTrue())
		})
	})
})
