package cluster

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	k8sNamespaceEnvVariable = "POD_NAMESPACE"
	k8sHostnameEnvVariable  = "HOSTNAME"
	serviceAccountNamespace = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"
)

var (
	ErrNoMembersFound      = errors.New("no load generator pods found")
	ErrOwnPodNotFound      = errors.New("own pod is not among the load generator pods")
	ErrNamespaceNotDerived = errors.New("kubernetes namespace could not be determined")
)

// KubernetesView derives the cluster from the pods matching a label selector. Membership is
// fixed when the view is created; pods that later disappear or lose readiness are dead.
type KubernetesView struct {
	cs            kubernetes.Interface
	namespace     string
	labelSelector string
	members       []string
	nodeIndex     int
}

func NewKubernetesView(ctx context.Context, mode DiscoveryMode, c K8sConfig) (*KubernetesView, error) {

	var config *rest.Config
	var err error
	namespace := c.Namespace
	podName := c.PodName

	switch mode {
	case K8sOutOfCluster:
		lp.LogClusterEvent(fmt.Sprintf("using kubeconfig path '%s' to initialize kubernetes rest.config", c.Kubeconfig), log.TraceLevel)
		config, err = clientcmd.BuildConfigFromFlags("", c.Kubeconfig)
	case K8sInCluster:
		config, err = rest.InClusterConfig()
		if err == nil {
			namespace, err = discoverNamespace()
		}
		if h, ok := os.LookupEnv(k8sHostnameEnvVariable); ok {
			podName = h
		}
	default:
		return nil, errors.Wrapf(ErrUnknownDiscovery, "'%s'", mode)
	}
	if err != nil {
		lp.LogClusterEvent(fmt.Sprintf("unable to initialize kubernetes access in mode '%s': %v", mode, err), log.ErrorLevel)
		return nil, err
	}

	cs, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, err
	}
	return newKubernetesView(ctx, cs, namespace, c.LabelSelector, podName)

}

func discoverNamespace() (string, error) {

	if ns, ok := os.LookupEnv(k8sNamespaceEnvVariable); ok && ns != "" {
		return ns, nil
	}
	data, err := os.ReadFile(serviceAccountNamespace)
	if err != nil {
		return "", errors.Wrap(ErrNamespaceNotDerived, err.Error())
	}
	if ns := strings.TrimSpace(string(data)); ns != "" {
		return ns, nil
	}
	return "", ErrNamespaceNotDerived

}

func newKubernetesView(ctx context.Context, cs kubernetes.Interface, namespace, labelSelector, podName string) (*KubernetesView, error) {

	v := &KubernetesView{cs: cs, namespace: namespace, labelSelector: labelSelector}
	pods, err := v.list(ctx)
	if err != nil {
		return nil, err
	}
	if len(pods) == 0 {
		return nil, errors.Wrapf(ErrNoMembersFound, "label selector '%s' in namespace '%s'", labelSelector, namespace)
	}

	sortByOrdinal(pods)
	v.nodeIndex = -1
	for i, p := range pods {
		v.members = append(v.members, p.Name)
		if p.Name == podName {
			v.nodeIndex = i
		}
	}
	if v.nodeIndex < 0 {
		return nil, errors.Wrapf(ErrOwnPodNotFound, "pod '%s'", podName)
	}

	lp.LogClusterEvent(fmt.Sprintf("discovered %d load generator pods, this is node %d ('%s')", len(v.members), v.nodeIndex, podName), log.InfoLevel)
	return v, nil

}

func (v *KubernetesView) list(ctx context.Context) ([]v1.Pod, error) {

	podList, err := v.cs.CoreV1().Pods(v.namespace).List(ctx, metav1.ListOptions{LabelSelector: v.labelSelector})
	if err != nil {
		lp.LogClusterEvent(fmt.Sprintf("could not list pods: %v", err), log.ErrorLevel)
		return nil, err
	}
	return podList.Items, nil

}

func (v *KubernetesView) Size() int {
	return len(v.members)
}

func (v *KubernetesView) NodeIndex() int {
	return v.nodeIndex
}

// DeadNodes returns the indices of members that are no longer listed or not ready.
func (v *KubernetesView) DeadNodes(ctx context.Context) ([]int, error) {

	pods, err := v.list(ctx)
	if err != nil {
		return nil, err
	}
	ready := map[string]bool{}
	for _, p := range pods {
		ready[p.Name] = isPodReady(p)
	}

	var dead []int
	for i, name := range v.members {
		if !ready[name] {
			dead = append(dead, i)
		}
	}
	if len(dead) > 0 {
		lp.LogClusterEvent(fmt.Sprintf("dead nodes: %v", dead), log.InfoLevel)
	}
	return dead, nil

}

func isPodReady(p v1.Pod) bool {

	for _, condition := range p.Status.Conditions {
		if condition.Type == v1.PodReady && condition.Status == v1.ConditionTrue {
			return true
		}
	}
	return false

}

// sortByOrdinal orders stateful set pods by their trailing ordinal, so that 'x-10' follows 'x-9'.
func sortByOrdinal(pods []v1.Pod) {

	ordinal := func(name string) int {
		i := strings.LastIndex(name, "-")
		if i < 0 {
			return -1
		}
		n, err := strconv.Atoi(name[i+1:])
		if err != nil {
			return -1
		}
		return n
	}
	sort.SliceStable(pods, func(i, j int) bool {
		oi, oj := ordinal(pods[i].Name), ordinal(pods[j].Name)
		if oi != oj {
			return oi < oj
		}
		return pods[i].Name < pods[j].Name
	})

}
