package archive

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/park285/cheese-chess-server/internal/domain"
)

type fakePutter struct {
	in   *s3.PutObjectInput
	body string
	err  error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	b, _ := io.ReadAll(in.Body)
	f.body = string(b)
	return &s3.PutObjectOutput{}, f.err
}

func TestArchivePGN(t *testing.T) {
	p := &fakePutter{}
	a := New(p, "chess-archive", "/pgn/")
	rec := &domain.GameRecord{
		ID: "g1", WhiteID: "w", BlackID: "b", Result: domain.ResultDraw, Reason: domain.ReasonStalemate,
		TournamentID: "t9", PGN: "[Event \"Casual game\"]\n\n1. e4 e5 1/2-1/2\n",
		EndedAt: time.Date(2026, 3, 7, 23, 30, 0, 0, time.UTC),
	}
	if err := a.ArchivePGN(context.Background(), rec); err != nil {
		t.Fatalf("ArchivePGN: %v", err)
	}
	if got := aws.ToString(p.in.Key); got != "pgn/2026/03/07/g1.pgn" {
		t.Fatalf("key = %q", got)
	}
	if aws.ToString(p.in.Bucket) != "chess-archive" || !strings.Contains(p.body, "1. e4 e5") {
		t.Fatalf("put = %+v body=%q", p.in, p.body)
	}
	if p.in.Metadata["tournament"] != "t9" || p.in.Metadata["result"] != "1/2-1/2" {
		t.Fatalf("metadata = %v", p.in.Metadata)
	}
}

func TestArchivePGN_WrapsError(t *testing.T) {
	boom := errors.New("boom")
	a := New(&fakePutter{err: boom}, "b", "")
	err := a.ArchivePGN(context.Background(), &domain.GameRecord{ID: "g2"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if a.prefix != "games" {
		t.Fatalf("default prefix = %q", a.prefix)
	}
}
