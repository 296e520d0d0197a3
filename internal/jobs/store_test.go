package jobs_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/reel-forge/internal/jobs"
)

var _ = Describe("MemoryStore", func() {
	storeBehaviors(func() jobs.Store {
		return jobs.NewMemoryStore()
	})
})

var _ = Describe("RedisStore", func() {
	storeBehaviors(func() jobs.Store {
		mr := miniredis.RunT(GinkgoT())
		return jobs.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 0)
	})
})

var _ = Describe("PostgresStore", func() {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		return
	}
	storeBehaviors(func() jobs.Store {
		s, err := jobs.NewPostgresStore(context.Background(), dsn)
		Expect(err).To(BeNil())
		Expect(s.Migrate(context.Background())).To(Succeed())
		return s
	})
})

func storeBehaviors(newStore func() jobs.Store) {
	var (
		ctx   context.Context
		store jobs.Store
		now   time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = newStore()
		now = time.Now().UTC()
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	newJob := func() *jobs.Job {
		job := jobs.NewJob(jobs.NewID(), now, time.Hour)
		job.Tenant = "tenant-a"
		job.Model = "sora-2"
		job.Prompt = "a cat"
		job.Seconds = 4
		job.Size = "720x1280"
		return job
	}

	Context("create", func() {
		It("stores a job and reads it back", func() {
			job := newJob()
			job.Metadata = []byte(`{"scene":"beach"}`)
			Expect(store.Create(ctx, job)).To(Succeed())

			got, err := store.Get(ctx, job.ID)
			Expect(err).To(BeNil())
			Expect(got.ID).To(Equal(job.ID))
			Expect(got.Status).To(Equal(jobs.StatusQueued))
			Expect(got.Prompt).To(Equal("a cat"))
			Expect(got.ExpiresAt.Equal(job.ExpiresAt)).To(BeTrue())
			Expect(string(got.Metadata)).To(MatchJSON(`{"scene":"beach"}`))
		})

		It("rejects a duplicate id", func() {
			job := newJob()
			Expect(store.Create(ctx, job)).To(Succeed())
			Expect(store.Create(ctx, job)).To(MatchError(jobs.ErrConflict))
		})

		It("reports unknown ids as not found", func() {
			_, err := store.Get(ctx, "video_missing")
			Expect(err).To(MatchError(jobs.ErrNotFound))

			_, err = store.Update(ctx, "video_missing", func(j *jobs.Job) error { return nil })
			Expect(err).To(MatchError(jobs.ErrNotFound))
		})
	})

	Context("update", func() {
		It("persists successful mutations", func() {
			job := newJob()
			Expect(store.Create(ctx, job)).To(Succeed())

			updated, err := store.Update(ctx, job.ID, func(j *jobs.Job) error {
				return j.MarkProcessing(now, "gen-1")
			})
			Expect(err).To(BeNil())
			Expect(updated.Status).To(Equal(jobs.StatusProcessing))

			got, err := store.Get(ctx, job.ID)
			Expect(err).To(BeNil())
			Expect(got.BackendID).To(Equal("gen-1"))
		})

		It("writes nothing when the mutation fails", func() {
			job := newJob()
			Expect(store.Create(ctx, job)).To(Succeed())

			boom := errors.New("boom")
			_, err := store.Update(ctx, job.ID, func(j *jobs.Job) error {
				j.Prompt = "changed"
				return boom
			})
			Expect(err).To(MatchError(boom))

			got, err := store.Get(ctx, job.ID)
			Expect(err).To(BeNil())
			Expect(got.Prompt).To(Equal("a cat"))
		})

		It("never reverts a settled job", func() {
			job := newJob()
			Expect(store.Create(ctx, job)).To(Succeed())
			_, err := store.Update(ctx, job.ID, func(j *jobs.Job) error {
				if err := j.MarkProcessing(now, "gen"); err != nil {
					return err
				}
				return j.MarkSucceeded(now, jobs.BlobRef{Key: jobs.ArtifactKey(j.ID), ContentType: "video/mp4", Size: 3})
			})
			Expect(err).To(BeNil())

			_, err = store.Update(ctx, job.ID, func(j *jobs.Job) error {
				return j.MarkFailed(now, jobs.ErrorInfo{Message: "late failure"})
			})
			Expect(jobs.IsSettled(err)).To(BeTrue())

			got, err := store.Get(ctx, job.ID)
			Expect(err).To(BeNil())
			Expect(got.Status).To(Equal(jobs.StatusSucceeded))
			Expect(got.Progress).To(Equal(100))
			Expect(got.Error).To(BeNil())
			Expect(got.Artifact).ToNot(BeNil())
		})

		It("serializes concurrent writers", func() {
			job := newJob()
			Expect(store.Create(ctx, job)).To(Succeed())
			_, err := store.Update(ctx, job.ID, func(j *jobs.Job) error {
				return j.MarkProcessing(now, "gen")
			})
			Expect(err).To(BeNil())

			const writers = 10
			var wg sync.WaitGroup
			errs := make(chan error, writers)
			for i := 1; i <= writers; i++ {
				wg.Add(1)
				go func(p int) {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := store.Update(ctx, job.ID, func(j *jobs.Job) error {
						return j.SetProgress(now, p*5)
					})
					errs <- err
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				Expect(err).To(BeNil())
			}

			got, err := store.Get(ctx, job.ID)
			Expect(err).To(BeNil())
			Expect(got.Progress).To(Equal(writers * 5))
		})
	})

	Context("listing", func() {
		It("lists jobs whose deadline has passed", func() {
			job := newJob()
			Expect(store.Create(ctx, job)).To(Succeed())

			ids, err := store.ListExpiring(ctx, now)
			Expect(err).To(BeNil())
			Expect(ids).ToNot(ContainElement(job.ID))

			ids, err = store.ListExpiring(ctx, job.ExpiresAt)
			Expect(err).To(BeNil())
			Expect(ids).To(ContainElement(job.ID))
		})

		It("lists only queued and processing jobs as active", func() {
			queued := newJob()
			done := newJob()
			Expect(store.Create(ctx, queued)).To(Succeed())
			Expect(store.Create(ctx, done)).To(Succeed())
			_, err := store.Update(ctx, done.ID, func(j *jobs.Job) error {
				return j.MarkFailed(now, jobs.ErrorInfo{Message: "x"})
			})
			Expect(err).To(BeNil())

			active, err := store.ListActive(ctx)
			Expect(err).To(BeNil())
			ids := make([]string, 0, len(active))
			for _, j := range active {
				ids = append(ids, j.ID)
			}
			Expect(ids).To(ContainElement(queued.ID))
			Expect(ids).ToNot(ContainElement(done.ID))
		})
	})

	Context("delete", func() {
		It("removes the job and its index entry", func() {
			job := newJob()
			Expect(store.Create(ctx, job)).To(Succeed())
			Expect(store.Delete(ctx, job.ID)).To(Succeed())

			_, err := store.Get(ctx, job.ID)
			Expect(err).To(MatchError(jobs.ErrNotFound))

			ids, err := store.ListExpiring(ctx, job.ExpiresAt)
			Expect(err).To(BeNil())
			Expect(ids).ToNot(ContainElement(job.ID))
		})
	})

	It("answers pings", func() {
		Expect(store.Ping(ctx)).To(Succeed())
	})
}
