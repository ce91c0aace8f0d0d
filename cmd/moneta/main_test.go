package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moneta-io/moneta/config"
)

func TestResolveConfigPath(t *testing.T) {
	require.Equal(t, "custom.yaml", resolveConfigPath("custom.yaml"))
	require.Equal(t, filepath.Clean(defaultConfigPath), resolveConfigPath(""))
}

func TestBuildAdaptersFakeMode(t *testing.T) {
	registry, netClient, err := buildAdapters(config.AppConfig{
		Mode:      config.ModeFake,
		Exchanges: []string{"binance", "okx"},
	})
	require.NoError(t, err)
	require.NotNil(t, netClient)

	for _, name := range []string{"binance", "okx"} {
		client, err := registry.Lookup(name)
		require.NoError(t, err)
		require.NotNil(t, client)
	}
	_, err = registry.Lookup("kraken")
	require.Error(t, err)
}

func TestBuildAdaptersFakeModeDefaultsExchange(t *testing.T) {
	registry, _, err := buildAdapters(config.AppConfig{Mode: config.ModeFake})
	require.NoError(t, err)

	client, err := registry.Lookup(defaultFakeExchangeName)
	require.NoError(t, err)
	require.NotNil(t, client)
}

func TestBuildAdaptersLiveModeUnsupported(t *testing.T) {
	_, _, err := buildAdapters(config.AppConfig{Mode: config.ModeLive, Exchanges: []string{"binance"}})
	require.Error(t, err)
}

func TestBuildStoresFakeMode(t *testing.T) {
	logger := log.New(os.Stdout, "test ", log.LstdFlags)
	repos, dbPool, err := buildStores(context.Background(), config.AppConfig{Mode: config.ModeFake}, logger)
	require.NoError(t, err)
	require.Nil(t, dbPool)
	require.NotNil(t, repos.orders)
	require.NotNil(t, repos.claims)
	require.NotNil(t, repos.keys)
	require.NotNil(t, repos.fees)
	require.NotNil(t, repos.outbox)
}
