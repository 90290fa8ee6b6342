/*
Package config implements the type to pass the arguments to the validator
and implements a function to load the parameters from a configuration file.
*/
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.dedis.ch/kyber/v3/share"

	"github.com/gitzhang10/certdag/sign"
)

// Config defines a type to describe the configuration.
type Config struct {
	Name             string
	Epoch            uint64
	MaxPool          int
	ClusterAddr      map[string]string // map from name to address
	ClusterPort      map[string]int    // map from name to p2pPort
	ClusterName2Addr map[string]string // map from name to addr:port
	PublicKeyMap     map[string]ed25519.PublicKey
	PrivateKey       ed25519.PrivateKey
	TsPublicKey      *share.PubPoly
	TsPrivateKey     *share.PriShare
	LogLevel         int
	StorePath        string
	BatchSize        int
	TxSize           int
	TickInterval     time.Duration
	RPCTimeout       time.Duration
	RetryInterval    time.Duration
}

// New creates a new variable of type Config for test.
func New(name string, epoch uint64, maxPool int, clusterAddr map[string]string, clusterPort map[string]int,
	publicKeyMap map[string]ed25519.PublicKey, privateKey ed25519.PrivateKey, tsPublicKey *share.PubPoly,
	tsPrivateKey *share.PriShare, logLevel int, storePath string, batchSize, txSize int,
	tickInterval, rpcTimeout, retryInterval time.Duration) *Config {
	name2Addr := make(map[string]string, len(clusterAddr))
	for n, addr := range clusterAddr {
		name2Addr[n] = addr + ":" + strconv.Itoa(clusterPort[n])
	}
	return &Config{
		Name:             name,
		Epoch:            epoch,
		MaxPool:          maxPool,
		ClusterAddr:      clusterAddr,
		ClusterPort:      clusterPort,
		ClusterName2Addr: name2Addr,
		PublicKeyMap:     publicKeyMap,
		PrivateKey:       privateKey,
		TsPublicKey:      tsPublicKey,
		TsPrivateKey:     tsPrivateKey,
		LogLevel:         logLevel,
		StorePath:        storePath,
		BatchSize:        batchSize,
		TxSize:           txSize,
		TickInterval:     tickInterval,
		RPCTimeout:       rpcTimeout,
		RetryInterval:    retryInterval,
	}
}

// LoadConfig loads configuration files by package viper.
func LoadConfig(configPrefix, configName string) (*Config, error) {
	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	viperConfig.SetConfigName(configName)
	viperConfig.AddConfigPath("./")
	err := viperConfig.ReadInConfig()
	if err != nil {
		return nil, err
	}

	privKeyEDAsString := viperConfig.GetString("privkeyed")
	privKeyED, err := hex.DecodeString(privKeyEDAsString)
	if err != nil {
		return nil, err
	}

	tsPubKeyAsString := viperConfig.GetString("tspubkey")
	tsPubKeyAsBytes, err := hex.DecodeString(tsPubKeyAsString)
	if err != nil {
		return nil, err
	}
	tsPubKey, err := sign.DecodeTSPublicKey(tsPubKeyAsBytes)
	if err != nil {
		return nil, err
	}

	tsShareAsString := viperConfig.GetString("tsshare")
	tsShareAsBytes, err := hex.DecodeString(tsShareAsString)
	if err != nil {
		return nil, err
	}
	tsShareKey, err := sign.DecodeTSPartialKey(tsShareAsBytes)
	if err != nil {
		return nil, err
	}

	conf := &Config{
		Name:          viperConfig.GetString("name"),
		Epoch:         viperConfig.GetUint64("epoch"),
		MaxPool:       viperConfig.GetInt("max_pool"),
		PrivateKey:    privKeyED,
		TsPublicKey:   tsPubKey,
		TsPrivateKey:  tsShareKey,
		LogLevel:      viperConfig.GetInt("log_level"),
		StorePath:     viperConfig.GetString("store_path"),
		BatchSize:     viperConfig.GetInt("batch_size"),
		TxSize:        viperConfig.GetInt("tx_size"),
		TickInterval:  time.Duration(viperConfig.GetInt("tick_interval_ms")) * time.Millisecond,
		RPCTimeout:    time.Duration(viperConfig.GetInt("rpc_timeout_ms")) * time.Millisecond,
		RetryInterval: time.Duration(viperConfig.GetInt("retry_interval_ms")) * time.Millisecond,
	}

	peersP2PPortMapString := viperConfig.GetStringMap("peers_p2p_port")
	peersIPsMapString := viperConfig.GetStringMap("cluster_ips")
	pubKeyMapString := viperConfig.GetStringMap("cluster_pubkeyed")
	pubKeyMap := make(map[string]ed25519.PublicKey, len(pubKeyMapString))
	clusterAddr := make(map[string]string, len(pubKeyMapString))
	clusterPort := make(map[string]int, len(pubKeyMapString))
	name2Addr := make(map[string]string, len(pubKeyMapString))
	for name, pkAsInterface := range pubKeyMapString {
		clusterPort[name] = peersP2PPortMapString[name].(int)
		clusterAddr[name] = peersIPsMapString[name].(string)
		if pkAsString, ok := pkAsInterface.(string); ok {
			pubKey, err := hex.DecodeString(pkAsString)
			if err != nil {
				return nil, err
			}
			pubKeyMap[name] = pubKey
		} else {
			return nil, errors.New("public key in the config file cannot be decoded correctly")
		}
		name2Addr[name] = peersIPsMapString[name].(string) + ":" + strconv.Itoa(peersP2PPortMapString[name].(int))
	}

	conf.PublicKeyMap = pubKeyMap
	conf.ClusterPort = clusterPort
	conf.ClusterAddr = clusterAddr
	conf.ClusterName2Addr = name2Addr
	return conf, nil
}
