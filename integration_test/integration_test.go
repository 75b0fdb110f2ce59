package integration

import (
	"io/ioutil"
	"os"
	"os/exec"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	. "github.com/onsi/gomega/gexec"

	"github.com/skipor/tcached"
	"github.com/skipor/tcached/cmd/tcached/config"
	"github.com/skipor/tcached/internal/tag"
	"github.com/skipor/tcached/internal/util"
	"github.com/skipor/tcached/testutil"
)

var _ = Describe("Integration", func() {
	BeforeEach(func() {
		if tag.Race {
			Skip("Integration is not running under race detector.")
		}
	})
	const SessionWaitTime = 3 * time.Second
	var (
		confFile   string
		inConf     config.Config    // App config to run.
		serverConf tcached.Config // Parsed config. Read only.

		session *Session
	)
	BeforeEach(func() {
		ResetTestKeys()
		confFile = testutil.TmpFileName()
		inConf = *config.Default() // Sometimes we want to know defaults.
		inConf.LogLevel = "debug"
		serverConf = tcached.Config{} // Will be filled in JBE.
	})

	StartMemcached := func() {
		var err error
		command := exec.Command(MemcachedCLI, "-config", confFile)
		session, err = Start(command, GinkgoWriter, GinkgoWriter)
		Expect(err).ToNot(HaveOccurred(), "%v", err)
		time.Sleep(50 * time.Millisecond) // Wait for output.
	}
	JustBeforeEach(func() {
		if !util.IsZero(serverConf) {
			Fail("Test should configure inConf, not serverConfig.")
		}
		var err error
		serverConf, err = config.Parse(inConf)
		Expect(err).NotTo(HaveOccurred())
		err = ioutil.WriteFile(confFile, config.Marshal(&inConf), 0600)
		Expect(err).NotTo(HaveOccurred())
		StartMemcached()
	})
	AfterEach(func() {
		session.Terminate().Wait(SessionWaitTime)
	})

	Context("simple requests", func() {
		var (
			c   *memcache.Client
			err error
		)
		JustBeforeEach(func() {
			c = memcache.New(serverConf.Addr)
		})
		It("get what set", func() {
			set := RandSizeItem()
			err = c.Set(set)
			Expect(err).To(BeNil())
			get, err := c.Get(set.Key)
			Expect(err).To(BeNil())
			ExpectItemsEqual(get, set)
		})

		It("overwrite", func() {
			set := RandSizeItem()
			overwrite := RandSizeItem()
			overwrite.Key = set.Key
			err = c.Set(set)
			Expect(err).To(BeNil())
			err = c.Set(overwrite)
			Expect(err).To(BeNil())

			get, err := c.Get(set.Key)
			Expect(err).To(BeNil())
			ExpectItemsEqual(get, overwrite)
		})

		It("delete", func() {
			set := RandSizeItem()
			err = c.Set(set)
			Expect(err).To(BeNil())

			err = c.Delete(set.Key)
			_, err = c.Get(set.Key)
			Expect(err).To(Equal(memcache.ErrCacheMiss))
		})

		It("multi get", func() {
			var keys []string
			items := map[string]*memcache.Item{}
			for i := 0; i < 10; i++ {
				i := RandSizeItem()
				keys = append(keys, i.Key)
				items[i.Key] = i
				err = c.Set(i)
				Expect(err).To(BeNil())
			}
			gotItems, err := c.GetMulti(keys)
			Expect(err).To(BeNil())
			Expect(len(gotItems)).To(Equal(len(items)))
			for k, v := range gotItems {
				ExpectItemsEqual(v, items[k])
			}
		})

	})

	Context("load", func() {
		// TODO make configurable load tester.
		// Print RPS, compare with original memcached implementation.
		BeforeEach(func() {
			inConf.LogLevel = "info" // Too large debug output.
		})

		It("", func() {
			LoadTest(serverConf.Addr)
		})
	})

	Context("persistence off", func() {
		BeforeEach(func() {
			inConf.L2.Enable = false
		})
		It("not handle termination without persistence", func() {
			session.Terminate().Wait(SessionWaitTime)
			Expect(session).To(Exit(143))
		})
	})

	Context("persistence on", func() {
		var dataDir string
		BeforeEach(func() {
			dataDir = testutil.TmpFileName()
			inConf.L2.Enable = true
			inConf.L2.DataDir = dataDir
			// Route every value straight to L2 so the scenarios below
			// don't depend on L1 eviction timing to get something onto
			// disk: badger.Update commits are synchronous, so any L2
			// write is durable the moment Set returns.
			inConf.Performance.LargeValueThreshold = "1b"
		})
		AfterEach(func() {
			os.RemoveAll(dataDir)
		})

		It("handle terminate", func() {
			session.Terminate().Wait(SessionWaitTime)
			Expect(session).To(Exit(0))
		})
		It("handle interrupt", func() {
			session.Interrupt().Wait(SessionWaitTime)
			Expect(session).To(Exit(0))
		})

		var (
			c   *memcache.Client
			err error
		)
		Connect := func() { c = memcache.New(serverConf.Addr) }
		JustBeforeEach(Connect)

		It("simple cache recover", func() {
			set := RandSizeItem()
			err = c.Set(set)
			Expect(err).ToNot(HaveOccurred())

			session.Interrupt().Wait(SessionWaitTime)
			Expect(session).To(Exit(0))
			StartMemcached()
			Connect()

			get, err := c.Get(set.Key)
			Expect(err).ToNot(HaveOccurred())
			ExpectItemsEqual(get, set)
		})

		It("recovers every key across a restart", func() {
			const n = 10
			var its []*memcache.Item
			for i := 0; i < n; i++ {
				set := RandSizeItem()
				err = c.Set(set)
				Expect(err).ToNot(HaveOccurred())
				its = append(its, set)
			}

			session.Interrupt().Wait(SessionWaitTime)
			Expect(session).To(Exit(0))
			StartMemcached()
			Connect()

			for _, it := range its {
				got, err := c.Get(it.Key)
				Expect(err).ToNot(HaveOccurred())
				ExpectItemsEqual(got, it)
			}
		})

		Context("clear on startup", func() {
			BeforeEach(func() { inConf.L2.ClearOnStartup = true })
			It("does not survive a restart with clear-on-startup set on the new process", func() {
				set := RandSizeItem()
				err = c.Set(set)
				Expect(err).ToNot(HaveOccurred())

				session.Interrupt().Wait(SessionWaitTime)
				Expect(session).To(Exit(0))

				inConf.L2.ClearOnStartup = true
				Expect(ioutil.WriteFile(confFile, config.Marshal(&inConf), 0600)).To(Succeed())
				StartMemcached()
				Connect()

				_, err := c.Get(set.Key)
				Expect(err).To(Equal(memcache.ErrCacheMiss))
			})
		})
	})
})
