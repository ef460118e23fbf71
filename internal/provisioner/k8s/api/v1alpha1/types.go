// Package v1alpha1 declares the BrowserImage custom resource: a
// provisioner's configured image list (spec §4.H "walk the configured image
// list") expressed declaratively instead of in a flag, the way
// controller/api/v1alpha1 declares Session/Template resources.
package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// GroupVersion identifies this API group/version.
var GroupVersion = schema.GroupVersion{Group: "sessiongrid.io", Version: "v1alpha1"}

// SchemeBuilder registers BrowserImage and BrowserImageList with a runtime
// scheme; callers append it via (*runtime.Scheme).AddKnownTypes or the
// generated AddToScheme.
var SchemeBuilder = runtime.SchemeBuilder{addKnownTypes}

func addKnownTypes(scheme *runtime.Scheme) error {
	scheme.AddKnownTypes(GroupVersion,
		&BrowserImage{},
		&BrowserImageList{},
	)
	metav1.AddToGroupVersion(scheme, GroupVersion)
	return nil
}

// AddToScheme adds this package's types to scheme.
var AddToScheme = SchemeBuilder.AddToScheme

// BrowserImageSpec declares one provisionable browser image.
type BrowserImageSpec struct {
	BrowserName    string `json:"browserName"`
	BrowserVersion string `json:"browserVersion"`
	PlatformName   string `json:"platformName"`
	Image          string `json:"image"`
	// NodePort is the container port the Node Supervisor's local HTTP
	// server listens on inside the pod.
	NodePort int32 `json:"nodePort"`
}

// BrowserImageStatus tracks how many pods are currently provisioned from
// this image, purely observational (spec §4.H's slot bookkeeping lives in
// the broker, not in cluster status).
type BrowserImageStatus struct {
	ActiveCount int32 `json:"activeCount,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status

// BrowserImage is the custom resource naming one provisionable browser
// image for the Kubernetes provisioner backend.
type BrowserImage struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   BrowserImageSpec   `json:"spec,omitempty"`
	Status BrowserImageStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// BrowserImageList is a list of BrowserImage.
type BrowserImageList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`

	Items []BrowserImage `json:"items"`
}

// DeepCopyObject implements runtime.Object.
func (in *BrowserImage) DeepCopyObject() runtime.Object {
	if in == nil {
		return nil
	}
	out := new(BrowserImage)
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	out.Spec = in.Spec
	out.Status = in.Status
	return out
}

// DeepCopyObject implements runtime.Object.
func (in *BrowserImageList) DeepCopyObject() runtime.Object {
	if in == nil {
		return nil
	}
	out := new(BrowserImageList)
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		out.Items = make([]BrowserImage, len(in.Items))
		for i := range in.Items {
			item := in.Items[i].DeepCopyObject().(*BrowserImage)
			out.Items[i] = *item
		}
	}
	return out
}
