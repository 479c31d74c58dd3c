/*
Copyright The SLRP Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

// CallType enumerates the provider->agent Call.Type values (§6).
type CallType string

const (
	CallSubscribe                  CallType = "SUBSCRIBE"
	CallUpdateState                CallType = "UPDATE_STATE"
	CallUpdateOperationStatus      CallType = "UPDATE_OPERATION_STATUS"
	CallUpdatePublishResourcesStatus CallType = "UPDATE_PUBLISH_RESOURCES_STATUS"
)

// Call is the single inbound message shape the RPM accepts (§6).
type Call struct {
	Type               CallType            `json:"type"`
	ResourceProviderID ResourceProviderID  `json:"resource_provider_id,omitempty"`

	Subscribe                  *CallSubscribeData                  `json:"subscribe,omitempty"`
	UpdateState                *CallUpdateStateData                `json:"update_state,omitempty"`
	UpdateOperationStatus      *CallUpdateOperationStatusData       `json:"update_operation_status,omitempty"`
	UpdatePublishResourcesStatus *CallUpdatePublishResourcesStatusData `json:"update_publish_resources_status,omitempty"`
}

// CallSubscribeData carries a provider's identity, unset on first
// subscribe (§4.1).
type CallSubscribeData struct {
	ResourceProviderInfo ResourceProviderInfo `json:"resource_provider_info"`
}

// CallUpdateStateData reports a provider's full resource/operation view.
type CallUpdateStateData struct {
	Resources       []Resource      `json:"resources"`
	Operations      []Operation     `json:"operations"`
	ResourceVersion ResourceVersion `json:"resource_version_uuid"`
}

// CallUpdateOperationStatusData reports one operation status.
type CallUpdateOperationStatusData struct {
	OperationUUID string          `json:"operation_uuid"`
	Status        OperationStatus `json:"status"`
}

// PublishStatus is the outcome of a PUBLISH_RESOURCES event (§6).
type PublishStatus string

const (
	PublishOK     PublishStatus = "OK"
	PublishFailed PublishStatus = "FAILED"
)

// CallUpdatePublishResourcesStatusData acknowledges a publish request.
type CallUpdatePublishResourcesStatusData struct {
	UUID   string        `json:"uuid"`
	Status PublishStatus `json:"status"`
}

// EventType enumerates the agent->provider Event.Type values (§6).
type EventType string

const (
	EventSubscribed               EventType = "SUBSCRIBED"
	EventApplyOperation           EventType = "APPLY_OPERATION"
	EventPublishResources         EventType = "PUBLISH_RESOURCES"
	EventAcknowledgeOperationStatus EventType = "ACKNOWLEDGE_OPERATION_STATUS"
	EventReconcileOperations       EventType = "RECONCILE_OPERATIONS"
)

// Event is the single outbound message shape streamed to providers (§6).
type Event struct {
	Type EventType `json:"type"`

	Subscribed               *EventSubscribedData               `json:"subscribed,omitempty"`
	ApplyOperation           *EventApplyOperationData           `json:"apply_operation,omitempty"`
	PublishResources         *EventPublishResourcesData         `json:"publish_resources,omitempty"`
	AcknowledgeOperationStatus *EventAcknowledgeOperationStatusData `json:"acknowledge_operation_status,omitempty"`
	ReconcileOperations       *EventReconcileOperationsData       `json:"reconcile_operations,omitempty"`
}

// EventSubscribedData carries the assigned provider id.
type EventSubscribedData struct {
	ResourceProviderID ResourceProviderID `json:"resource_provider_id"`
}

// EventApplyOperationData carries an operation for the provider to apply.
type EventApplyOperationData struct {
	FrameworkID           FrameworkID     `json:"framework_id,omitempty"`
	OperationUUID         string          `json:"operation_uuid"`
	Info                  OperationInfo   `json:"info"`
	ResourceVersionUUID   ResourceVersion `json:"resource_version_uuid"`
}

// EventPublishResourcesData asks the provider to ensure R is published.
type EventPublishResourcesData struct {
	UUID      string     `json:"uuid"`
	Resources []Resource `json:"resources"`
}

// EventAcknowledgeOperationStatusData acknowledges a delivered status.
type EventAcknowledgeOperationStatusData struct {
	StatusUUID    string `json:"status_uuid"`
	OperationUUID string `json:"operation_uuid"`
}

// EventReconcileOperationsData requests the provider reply with the
// latest status of each named uuid (unknown uuids get OPERATION_DROPPED).
type EventReconcileOperationsData struct {
	OperationUUIDs []string `json:"operation_uuids"`
}
