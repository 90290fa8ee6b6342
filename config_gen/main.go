/*
Package main in the directory config_gen implements a tool to read configuration from a template,
and generate customized configuration files for each validator.
The generated configuration file particularly contains the public/private keys for TS and ED25519.
*/
package main

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/gitzhang10/certdag/sign"
)

func main() {

	viperRead := viper.New()
	// for environment variables
	viperRead.SetEnvPrefix("")
	viperRead.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperRead.SetEnvKeyReplacer(replacer)
	viperRead.SetConfigName("config_template")
	viperRead.AddConfigPath("./")
	err := viperRead.ReadInConfig()
	if err != nil {
		panic(err)
	}

	// deal with cluster as a string map
	clusterMapInterface := viperRead.GetStringMap("cluster_ips")
	nodeNumber := len(clusterMapInterface)
	clusterMapString := make(map[string]string, nodeNumber)
	clusterName := make([]string, 0, nodeNumber)
	for name, addr := range clusterMapInterface {
		if addrAsString, ok := addr.(string); ok {
			clusterMapString[name] = addrAsString
			clusterName = append(clusterName, name)
		} else {
			panic("cluster in the config file cannot be decoded correctly")
		}
	}
	sort.Strings(clusterName)

	// deal with p2p_listen_port as a string map
	p2pPortMapInterface := viperRead.GetStringMap("peers_p2p_port")
	if nodeNumber != len(p2pPortMapInterface) {
		panic("peers_p2p_port does not match with cluster_ips")
	}
	p2pPortMap := make(map[string]int, nodeNumber)
	for name := range clusterMapString {
		portAsInterface, ok := p2pPortMapInterface[name]
		if !ok {
			panic("peers_p2p_port does not match with cluster_ips")
		}
		if portAsInt, ok := portAsInterface.(int); ok {
			p2pPortMap[name] = portAsInt
		} else {
			panic("peers_p2p_port contains a non-int value")
		}
	}

	// create the ED25519 keys
	privKeysED25519 := make(map[string]string, nodeNumber)
	pubKeysED25519 := make(map[string]string, nodeNumber)
	for _, name := range clusterName {
		privKeyED, pubKeyED := sign.GenED25519Keys()
		pubKeysED25519[name] = hex.EncodeToString(pubKeyED)
		privKeysED25519[name] = hex.EncodeToString(privKeyED)
	}

	// create the threshold signature keys
	numT := nodeNumber - (nodeNumber-1)/3
	shares, pubPoly := sign.GenTSKeys(numT, nodeNumber)
	tsPubKeyAsBytes, err := sign.EncodeTSPublicKey(pubPoly)
	if err != nil {
		panic("fail to encode the TSPublicKey")
	}

	// load simple parameters
	epoch := viperRead.GetUint64("epoch")
	maxPool := viperRead.GetInt("max_pool")
	batchSize := viperRead.GetInt("batch_size")
	txSize := viperRead.GetInt("tx_size")
	logLevel := viperRead.GetInt("log_level")
	storeDir := viperRead.GetString("store_dir")
	tickIntervalMs := viperRead.GetInt("tick_interval_ms")
	rpcTimeoutMs := viperRead.GetInt("rpc_timeout_ms")
	retryIntervalMs := viperRead.GetInt("retry_interval_ms")

	// write to configuration files
	for i, name := range clusterName {
		viperWrite := viper.New()
		viperWrite.SetConfigFile(fmt.Sprintf("%s.yaml", name))

		shareAsBytes, err := sign.EncodeTSPartialKey(shares[i])
		if err != nil {
			panic("fail to encode the share")
		}

		viperWrite.Set("name", name)
		viperWrite.Set("epoch", epoch)
		viperWrite.Set("peers_p2p_port", p2pPortMap)
		viperWrite.Set("cluster_ips", clusterMapString)
		viperWrite.Set("cluster_pubkeyed", pubKeysED25519)
		viperWrite.Set("PrivKeyED", privKeysED25519[name])
		viperWrite.Set("TSShare", hex.EncodeToString(shareAsBytes))
		viperWrite.Set("TSPubKey", hex.EncodeToString(tsPubKeyAsBytes))
		viperWrite.Set("max_pool", maxPool)
		viperWrite.Set("batch_size", batchSize)
		viperWrite.Set("tx_size", txSize)
		viperWrite.Set("log_level", logLevel)
		viperWrite.Set("store_path", storeDir+"/"+name)
		viperWrite.Set("tick_interval_ms", tickIntervalMs)
		viperWrite.Set("rpc_timeout_ms", rpcTimeoutMs)
		viperWrite.Set("retry_interval_ms", retryIntervalMs)

		_ = viperWrite.WriteConfig()
	}

	fmt.Println("generated configuration files for", strconv.Itoa(nodeNumber), "validators")
}
