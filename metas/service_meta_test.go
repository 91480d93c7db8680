package metas

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestServiceMetaHostNames(t *testing.T) {
	s := NewServiceMetaManager(time.Minute)
	s.AddHostName(10, "api.example.com", "10.0.0.2")
	s.AddHostName(10, "", "10.0.0.3")
	s.AddHostName(10, "db.example.com", "")

	assert.Equal(t, "api.example.com", s.HostName(10, "10.0.0.2"))
	assert.Equal(t, "", s.HostName(11, "10.0.0.2"), "names are per process")
	assert.Equal(t, 1, s.Len())

	s.AddHostName(10, "api2.example.com", "10.0.0.2")
	assert.Equal(t, "api2.example.com", s.HostName(10, "10.0.0.2"))
}

func TestServiceMetaExpiry(t *testing.T) {
	s := NewServiceMetaManager(time.Minute)
	s.SetTimeout(20 * time.Millisecond)
	s.AddHostName(1, "short.example.com", "10.0.0.9")
	assert.Equal(t, "short.example.com", s.HostName(1, "10.0.0.9"))
	assert.Eventually(t, func() bool { return s.HostName(1, "10.0.0.9") == "" }, time.Second, 10*time.Millisecond)
}
