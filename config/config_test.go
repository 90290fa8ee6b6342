package config

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/certdag/sign"
)

func TestNewConfig(t *testing.T) {
	clusterAddr := map[string]string{"node0": "127.0.0.1", "node1": "127.0.0.1"}
	clusterPort := map[string]int{"node0": 8000, "node1": 8010}
	privKey, pubKey := sign.GenED25519Keys()
	shares, pubPoly := sign.GenTSKeys(2, 2)
	pubKeyMap := map[string]ed25519.PublicKey{"node0": pubKey}

	conf := New("node0", 1, 10, clusterAddr, clusterPort,
		pubKeyMap, privKey, pubPoly, shares[0],
		3, "", 10, 128, 20*time.Millisecond, 200*time.Millisecond, 50*time.Millisecond)

	require.Equal(t, "node0", conf.Name)
	require.Equal(t, uint64(1), conf.Epoch)
	require.Equal(t, "127.0.0.1:8000", conf.ClusterName2Addr["node0"])
	require.Equal(t, "127.0.0.1:8010", conf.ClusterName2Addr["node1"])
	require.Equal(t, 20*time.Millisecond, conf.TickInterval)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("", "certainly_not_a_config")
	require.Error(t, err)
}
