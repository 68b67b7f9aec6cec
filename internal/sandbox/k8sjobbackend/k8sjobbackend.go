// Package k8sjobbackend implements the sandbox driver capability (C4)
// by running each submission as a Kubernetes batch/v1 Job: one pod per
// evaluation, deleted (with its pods) on destroy.
package k8sjobbackend

import (
	"context"
	"fmt"
	"io"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/itskum47/crucible/internal/sandbox"
)

// Driver runs submissions as Kubernetes Jobs in one namespace. It
// depends on kubernetes.Interface rather than the concrete *Clientset
// so tests can substitute k8s.io/client-go/kubernetes/fake.
type Driver struct {
	clientset kubernetes.Interface
	namespace string
}

func New(clientset kubernetes.Interface, namespace string) *Driver {
	return &Driver{clientset: clientset, namespace: namespace}
}

func imageFor(language string) (string, []string, bool) {
	switch language {
	case "python":
		return "python:3.12-slim", []string{"python3", "-c"}, true
	case "node":
		return "node:20-slim", []string{"node", "-e"}, true
	default:
		return "", nil, false
	}
}

var trueVal = true

func (d *Driver) Create(ctx context.Context, code, language string, limits sandbox.Limits) (*sandbox.Handle, error) {
	image, entrypoint, ok := imageFor(language)
	if !ok {
		return nil, sandbox.ErrUnsupportedLanguage
	}

	name := fmt.Sprintf("crucible-eval-%d", time.Now().UnixNano())
	backoffLimit := int32(0)

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: d.namespace},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"crucible/job": name}},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:    "submission",
							Image:   image,
							Command: append(entrypoint, code),
							SecurityContext: &corev1.SecurityContext{
								ReadOnlyRootFilesystem:   &trueVal,
								AllowPrivilegeEscalation: boolPtr(false),
							},
							Resources: corev1.ResourceRequirements{
								Limits: corev1.ResourceList{
									corev1.ResourceMemory: *resource.NewQuantity(limits.MemoryBytes, resource.BinarySI),
									corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(limits.CPUCores*1000), resource.DecimalSI),
								},
							},
						},
					},
				},
			},
		},
	}

	created, err := d.clientset.BatchV1().Jobs(d.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrResourceExhausted, err)
	}
	return &sandbox.Handle{Backend: "k8sjob", SandboxID: created.Name}, nil
}

func boolPtr(b bool) *bool { return &b }

// Start is a no-op: creating the Job already schedules its pod.
func (d *Driver) Start(ctx context.Context, h *sandbox.Handle) error {
	return nil
}

func (d *Driver) Wait(ctx context.Context, h *sandbox.Handle, timeout time.Duration) (sandbox.WaitResult, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := d.clientset.BatchV1().Jobs(d.namespace).Get(ctx, h.SandboxID, metav1.GetOptions{})
		if err != nil {
			return sandbox.WaitResult{}, err
		}
		if job.Status.Succeeded > 0 {
			return sandbox.WaitResult{ExitCode: 0, Reason: sandbox.ReasonNormal}, nil
		}
		if job.Status.Failed > 0 {
			code := d.podExitCode(ctx, h.SandboxID)
			return sandbox.WaitResult{ExitCode: code, Reason: sandbox.ReasonNormal}, nil
		}
		select {
		case <-ctx.Done():
			return sandbox.WaitResult{}, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	_ = d.Kill(ctx, h)
	return sandbox.WaitResult{Reason: sandbox.ReasonTimeout}, nil
}

func (d *Driver) podExitCode(ctx context.Context, jobName string) int {
	pods, err := d.clientset.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("crucible/job=%s", jobName),
	})
	if err != nil || len(pods.Items) == 0 {
		return 1
	}
	for _, cs := range pods.Items[0].Status.ContainerStatuses {
		if cs.State.Terminated != nil {
			return int(cs.State.Terminated.ExitCode)
		}
	}
	return 1
}

func (d *Driver) StreamLogs(ctx context.Context, h *sandbox.Handle) (<-chan []byte, error) {
	pods, err := d.clientset.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("crucible/job=%s", h.SandboxID),
	})
	if err != nil || len(pods.Items) == 0 {
		return nil, fmt.Errorf("no pod found for job %s", h.SandboxID)
	}
	podName := pods.Items[0].Name

	req := d.clientset.CoreV1().Pods(d.namespace).GetLogs(podName, &corev1.PodLogOptions{Follow: true})
	rc, err := req.Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream logs: %w", err)
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer rc.Close()
		buf := make([]byte, 4096)
		for {
			n, err := rc.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				out <- chunk
			}
			if err == io.EOF || err != nil {
				return
			}
		}
	}()
	return out, nil
}

func (d *Driver) Kill(ctx context.Context, h *sandbox.Handle) error {
	policy := metav1.DeletePropagationForeground
	err := d.clientset.BatchV1().Jobs(d.namespace).Delete(ctx, h.SandboxID, metav1.DeleteOptions{PropagationPolicy: &policy})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func (d *Driver) Destroy(ctx context.Context, h *sandbox.Handle) error {
	return d.Kill(ctx, h)
}

func (d *Driver) Alive(ctx context.Context, h *sandbox.Handle) bool {
	job, err := d.clientset.BatchV1().Jobs(d.namespace).Get(ctx, h.SandboxID, metav1.GetOptions{})
	if err != nil {
		return false
	}
	return job.Status.Active > 0
}
