package detection

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestCloudCorrect(t *testing.T) {
	corrected, unreliable := CloudCorrect(10, 0, 0.95)
	test.That(t, unreliable, test.ShouldBeFalse)
	test.That(t, corrected, test.ShouldEqual, 10.0)

	corrected, unreliable = CloudCorrect(10, 0.5, 0.95)
	test.That(t, unreliable, test.ShouldBeFalse)
	test.That(t, corrected, test.ShouldEqual, 20.0)

	// at or above the ceiling the count stays raw and is flagged
	corrected, unreliable = CloudCorrect(10, 0.95, 0.95)
	test.That(t, unreliable, test.ShouldBeTrue)
	test.That(t, corrected, test.ShouldEqual, 10.0)

	corrected, unreliable = CloudCorrect(10, CloudFractionMissing, 0.95)
	test.That(t, unreliable, test.ShouldBeTrue)
	test.That(t, corrected, test.ShouldEqual, 10.0)
}

func TestWriteSeriesCSVSortedByDate(t *testing.T) {
	records := []Record{
		{Location: "avonmouth", Date: time.Date(2020, 4, 11, 0, 0, 0, 0, time.UTC), RawCount: 7, CloudFraction: 0.5, CorrectedCount: 14},
		{Location: "avonmouth", Date: time.Date(2020, 4, 6, 0, 0, 0, 0, time.UTC), RawCount: 10, CorrectedCount: 10},
		{Location: "avonmouth", Date: time.Date(2020, 4, 9, 0, 0, 0, 0, time.UTC), RawCount: 3, CloudFraction: CloudFractionMissing, CorrectedCount: 3, Unreliable: true},
	}

	fn := filepath.Join(t.TempDir(), "series.csv")
	test.That(t, WriteSeriesCSV(fn, records), test.ShouldBeNil)
	// input order untouched
	test.That(t, records[0].Date.Day(), test.ShouldEqual, 11)

	f, err := os.Open(fn)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rows, test.ShouldHaveLength, 4)
	test.That(t, rows[0], test.ShouldResemble, seriesHeader)
	test.That(t, rows[1][1], test.ShouldEqual, "2020-04-06")
	test.That(t, rows[2][1], test.ShouldEqual, "2020-04-09")
	test.That(t, rows[2][5], test.ShouldEqual, "true")
	test.That(t, rows[3][1], test.ShouldEqual, "2020-04-11")
	test.That(t, rows[3][4], test.ShouldEqual, "14")
}
