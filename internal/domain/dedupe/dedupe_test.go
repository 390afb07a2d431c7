package dedupe_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/okian/creditgate/internal/domain/dedupe"
	. "github.com/smartystreets/goconvey/convey"
)

func TestInMemoryDeduper(t *testing.T) {
	ctx := context.Background()

	Convey("Given a new InMemoryDeduper", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(3))

		Convey("When a payload id is recorded for the first time", func() {
			seen := d.SeenAndRecord(ctx, "p-1")

			Convey("Then it is reported as new", func() {
				So(seen, ShouldBeFalse)
				So(d.Size(), ShouldEqual, 1)
			})
		})

		Convey("When the same id is submitted twice", func() {
			d.SeenAndRecord(ctx, "p-1")
			seen := d.SeenAndRecord(ctx, "p-1")

			Convey("Then the second submission is a duplicate", func() {
				So(seen, ShouldBeTrue)
				So(d.Size(), ShouldEqual, 1)
			})
		})

		Convey("When more ids than the capacity are recorded", func() {
			for i := 1; i <= 4; i++ {
				d.SeenAndRecord(ctx, fmt.Sprintf("p-%d", i))
			}

			Convey("Then the oldest id is forgotten first", func() {
				So(d.Size(), ShouldEqual, 3)
				So(d.SeenAndRecord(ctx, "p-4"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "p-2"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "p-1"), ShouldBeFalse)
			})
		})

		Convey("When an id is unrecorded after a failed enqueue", func() {
			d.SeenAndRecord(ctx, "p-1")
			d.Unrecord(ctx, "p-1")

			Convey("Then it can be submitted again", func() {
				So(d.Size(), ShouldEqual, 0)
				So(d.SeenAndRecord(ctx, "p-1"), ShouldBeFalse)
			})
		})

		Convey("When an unrecorded id is re-added and the ring wraps", func() {
			d.SeenAndRecord(ctx, "a")
			d.Unrecord(ctx, "a")
			d.SeenAndRecord(ctx, "b")
			d.SeenAndRecord(ctx, "a")
			d.SeenAndRecord(ctx, "c")

			Convey("Then the stale slot is skipped and the live entry survives", func() {
				So(d.Size(), ShouldEqual, 2)
				So(d.SeenAndRecord(ctx, "a"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "c"), ShouldBeTrue)
			})
		})
	})

	Convey("Given an unbounded deduper", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(0))
		for i := 0; i < 1000; i++ {
			d.SeenAndRecord(ctx, fmt.Sprintf("p-%d", i))
		}

		So(d.Size(), ShouldEqual, 1000)
	})

	Convey("Given concurrent submitters of the same id", t, func() {
		d := dedupe.NewInMemoryDeduper()
		var wg sync.WaitGroup
		var mu sync.Mutex
		fresh := 0
		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if !d.SeenAndRecord(ctx, "same") {
					mu.Lock()
					fresh++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		So(fresh, ShouldEqual, 1)
	})
}
