package jobs_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestJobStores(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Job Store Suite")
}
