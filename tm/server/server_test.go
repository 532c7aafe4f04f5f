package server

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pingcap-incubator/tinycommit/tm/sim"
	. "github.com/pingcap/check"
)

func Test(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testServerSuite{})

type testServerSuite struct {
	handler http.Handler
}

type fixedStatus struct{}

func (fixedStatus) Status() sim.Status {
	return sim.Status{
		Running:   true,
		Cycle:     42,
		Committed: 7,
		Partitions: []sim.PartitionStatus{
			{ID: 0, Head: 9, Retire: 5},
			{ID: 1, Head: 9, Retire: 10},
		},
	}
}

func (s *testServerSuite) SetUpSuite(c *C) {
	s.handler = NewHandler(fixedStatus{}, map[string]int{"partitions": 2})
}

func (s *testServerSuite) get(c *C, path string) (int, []byte) {
	rec := httptest.NewRecorder()
	req, err := http.NewRequest("GET", path, nil)
	c.Assert(err, IsNil)
	s.handler.ServeHTTP(rec, req)
	return rec.Code, rec.Body.Bytes()
}

func (s *testServerSuite) TestStatus(c *C) {
	code, body := s.get(c, "/api/v1/status")
	c.Assert(code, Equals, http.StatusOK)
	var got sim.Status
	c.Assert(json.Unmarshal(body, &got), IsNil)
	c.Assert(got.Cycle, Equals, uint64(42))
	c.Assert(got.Committed, Equals, int64(7))
	c.Assert(got.Partitions, HasLen, 2)
}

func (s *testServerSuite) TestPartition(c *C) {
	code, body := s.get(c, "/api/v1/status/partitions/1")
	c.Assert(code, Equals, http.StatusOK)
	var got sim.PartitionStatus
	c.Assert(json.Unmarshal(body, &got), IsNil)
	c.Assert(got.Retire, Equals, int64(10))

	code, _ = s.get(c, "/api/v1/status/partitions/5")
	c.Assert(code, Equals, http.StatusNotFound)
	code, _ = s.get(c, "/api/v1/status/partitions/x")
	c.Assert(code, Equals, http.StatusBadRequest)
}

func (s *testServerSuite) TestConfigAndPing(c *C) {
	code, body := s.get(c, "/api/v1/config")
	c.Assert(code, Equals, http.StatusOK)
	c.Assert(strings.Contains(string(body), `"partitions": 2`), IsTrue)

	code, _ = s.get(c, "/ping")
	c.Assert(code, Equals, http.StatusOK)
}

func (s *testServerSuite) TestMetrics(c *C) {
	code, body := s.get(c, "/metrics")
	c.Assert(code, Equals, http.StatusOK)
	c.Assert(strings.Contains(string(body), "go_goroutines"), IsTrue)
}

func (s *testServerSuite) TestStartAndClose(c *C) {
	srv, err := Start("127.0.0.1:0", s.handler)
	c.Assert(err, IsNil)
	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/status")
	c.Assert(err, IsNil)
	body, err := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	c.Assert(err, IsNil)
	c.Assert(strings.Contains(string(body), `"cycle": 42`), IsTrue)
	c.Assert(srv.Close(context.Background()), IsNil)
}
