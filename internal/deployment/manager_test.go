package deployment

import (
	"testing"

	"github.com/google/uuid"
)

func TestImageTagConvention(t *testing.T) {
	owner := uuid.New()
	service := uuid.New()
	dep := uuid.New()

	got := imageTag(owner, service, dep)
	want := owner.String() + "/" + service.String() + ":" + dep.String()
	if got != want {
		t.Fatalf("imageTag() = %q, want %q", got, want)
	}
}
