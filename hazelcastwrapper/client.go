package hazelcastwrapper

import (
	"context"
	"fmt"
	"hazelstress/client"
	"hazelstress/logging"

	"github.com/google/uuid"
	"github.com/hazelcast/hazelcast-go-client"
	log "github.com/sirupsen/logrus"
)

type (
	HzClientInitializer interface {
		InitHazelcastClient(ctx context.Context, clientName string, hzCluster string, hzMembers []string) error
	}
	HzClientCloser interface {
		Shutdown(ctx context.Context) error
	}
	HzClientHandler interface {
		GetClient() *hazelcast.Client
		HzClientInitializer
		HzClientCloser
	}
	DefaultHzClientHandler struct {
		hzClient *hazelcast.Client
	}
	HzClientAssembler struct {
		clientID uuid.UUID
		lp       *logging.LogProvider
	}
)

func (ch *DefaultHzClientHandler) InitHazelcastClient(ctx context.Context, clientName string, hzCluster string, hzMembers []string) error {

	c, err := NewHzClientHelper().Assemble(ctx, clientName, hzCluster, hzMembers)
	if err != nil {
		return err
	}

	ch.hzClient = c
	return nil

}

func (ch *DefaultHzClientHandler) Shutdown(ctx context.Context) error {

	if ch.hzClient == nil {
		return nil
	}
	return ch.hzClient.Shutdown(ctx)

}

func (ch *DefaultHzClientHandler) GetClient() *hazelcast.Client {
	return ch.hzClient
}

func NewHzClientHelper() HzClientAssembler {
	return HzClientAssembler{client.ID(), logging.GetLogProviderInstance(client.ID())}
}

func (h HzClientAssembler) Assemble(ctx context.Context, clientName string, hzCluster string, hzMembers []string) (*hazelcast.Client, error) {

	hzConfig := &hazelcast.Config{}
	hzConfig.ClientName = fmt.Sprintf("%s-%s", h.clientID, clientName)
	hzConfig.Cluster.Name = hzCluster

	if useUniSocketClient, ok := client.RetrieveArgValue(client.ArgUseUniSocketClient).(bool); ok {
		hzConfig.Cluster.Unisocket = useUniSocketClient
	} else {
		h.lp.LogConfigEvent(client.ArgUseUniSocketClient, "command line", "unable to convert value into bool -- using default instead", log.WarnLevel)
	}

	h.lp.LogInternalStateEvent(fmt.Sprintf("hazelcast client config: %+v", hzConfig), log.InfoLevel)

	hzConfig.Cluster.Network.SetAddresses(hzMembers...)

	hzClient, err := hazelcast.StartNewClientWithConfig(ctx, *hzConfig)

	if err != nil {
		h.lp.LogHzEvent(fmt.Sprintf("unable to initialize hazelcast client: %s", err), log.ErrorLevel)
		return nil, err
	}

	h.lp.LogHzEvent(fmt.Sprintf("hazelcast client '%s' connected to cluster '%s'", hzConfig.ClientName, hzCluster), log.InfoLevel)
	return hzClient, nil

}
