package cluster

import (
	"hazelstress/client"
	"path/filepath"

	"k8s.io/client-go/util/homedir"
)

type (
	DiscoveryMode string
	Config        struct {
		Discovery DiscoveryMode
		Static    StaticConfig
		K8s       K8sConfig
	}
	StaticConfig struct {
		Size      int
		NodeIndex int
	}
	K8sConfig struct {
		LabelSelector string
		Namespace     string
		Kubeconfig    string
		PodName       string
	}
)

const (
	Static          DiscoveryMode = "static"
	K8sInCluster    DiscoveryMode = "k8sInCluster"
	K8sOutOfCluster DiscoveryMode = "k8sOutOfCluster"
)

const configKeyPath = "background.cluster"

func PopulateConfig(a client.ConfigPropertyAssigner) (*Config, error) {

	var assignmentOps []func() error
	c := Config{}

	assignmentOps = append(assignmentOps, func() error {
		return a.Assign(configKeyPath+".discovery", client.ValidateOneOf(string(Static), string(K8sInCluster), string(K8sOutOfCluster)), func(a any) {
			c.Discovery = DiscoveryMode(a.(string))
		})
	})

	assignmentOps = append(assignmentOps, func() error {
		return a.Assign(configKeyPath+".static.size", client.ValidateInt, func(a any) {
			c.Static.Size = a.(int)
		})
	})

	assignmentOps = append(assignmentOps, func() error {
		return a.Assign(configKeyPath+".static.nodeIndex", client.ValidateNonNegativeInt, func(a any) {
			c.Static.NodeIndex = a.(int)
		})
	})

	assignmentOps = append(assignmentOps, func() error {
		return a.Assign(configKeyPath+".k8s.labelSelector", client.ValidateString, func(a any) {
			c.K8s.LabelSelector = a.(string)
		})
	})

	assignmentOps = append(assignmentOps, func() error {
		return a.Assign(configKeyPath+".k8s.namespace", client.ValidateString, func(a any) {
			c.K8s.Namespace = a.(string)
		})
	})

	assignmentOps = append(assignmentOps, func() error {
		return a.Assign(configKeyPath+".k8s.kubeconfig", client.ValidateString, func(a any) {
			if a.(string) == "default" {
				c.K8s.Kubeconfig = filepath.Join(homedir.HomeDir(), ".kube", "config")
			} else {
				c.K8s.Kubeconfig = a.(string)
			}
		})
	})

	assignmentOps = append(assignmentOps, func() error {
		return a.Assign(configKeyPath+".k8s.podName", client.ValidateString, func(a any) {
			c.K8s.PodName = a.(string)
		})
	})

	for _, f := range assignmentOps {
		if err := f(); err != nil {
			return nil, err
		}
	}

	return &c, nil

}
