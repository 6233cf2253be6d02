package directory

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// The supported clouds form a closed set. Each cloud gets a typed info
// variant plus the list of payload fields that belong in the encrypted
// secret rather than the directory document. Mutation goes through the
// codec table so adding a cloud is one table entry.

type EC2Info struct {
	Partition         string   `json:"partition,omitempty" mapstructure:"partition"`
	Region            string   `json:"region,omitempty" mapstructure:"region"`
	AdditionalRegions []string `json:"additional_regions,omitempty" mapstructure:"additional_regions"`
}

type AzureInfo struct {
	Region               string `json:"region,omitempty" mapstructure:"region"`
	SourceContainer      string `json:"source_container,omitempty" mapstructure:"source_container"`
	SourceResourceGroup  string `json:"source_resource_group,omitempty" mapstructure:"source_resource_group"`
	SourceStorageAccount string `json:"source_storage_account,omitempty" mapstructure:"source_storage_account"`
}

type GCEInfo struct {
	Bucket              string `json:"bucket,omitempty" mapstructure:"bucket"`
	Region              string `json:"region,omitempty" mapstructure:"region"`
	TestingAccount      string `json:"testing_account,omitempty" mapstructure:"testing_account"`
	IsPublishingAccount bool   `json:"is_publishing_account,omitempty" mapstructure:"is_publishing_account"`
}

type OCIInfo struct {
	Bucket             string `json:"bucket,omitempty" mapstructure:"bucket"`
	Region             string `json:"region,omitempty" mapstructure:"region"`
	AvailabilityDomain string `json:"availability_domain,omitempty" mapstructure:"availability_domain"`
	Compartment        string `json:"compartment_id,omitempty" mapstructure:"compartment_id"`
	OCIUser            string `json:"oci_user_id,omitempty" mapstructure:"oci_user_id"`
	Tenancy            string `json:"tenancy,omitempty" mapstructure:"tenancy"`
}

type AliyunInfo struct {
	Bucket          string `json:"bucket,omitempty" mapstructure:"bucket"`
	Region          string `json:"region,omitempty" mapstructure:"region"`
	SecurityGroupID string `json:"security_group_id,omitempty" mapstructure:"security_group_id"`
	VSwitchID       string `json:"vswitch_id,omitempty" mapstructure:"vswitch_id"`
}

type cloudCodec struct {
	// newInfo returns a pointer to the zero variant for decoding
	newInfo func() interface{}
}

var cloudCodecs = map[string]cloudCodec{
	"ec2":    {newInfo: func() interface{} { return &EC2Info{} }},
	"azure":  {newInfo: func() interface{} { return &AzureInfo{} }},
	"gce":    {newInfo: func() interface{} { return &GCEInfo{} }},
	"oci":    {newInfo: func() interface{} { return &OCIInfo{} }},
	"aliyun": {newInfo: func() interface{} { return &AliyunInfo{} }},
}

// KnownCloud reports whether the cloud name is one of the supported variants.
func KnownCloud(cloud string) bool {
	_, ok := cloudCodecs[cloud]
	return ok
}

// DecodeInfo decodes the raw info fields of an account payload into the
// typed variant for the cloud. Unknown fields are an error so a typo in a
// payload surfaces instead of silently dropping a field.
func DecodeInfo(cloud string, raw map[string]interface{}) (interface{}, error) {
	codec, ok := cloudCodecs[cloud]
	if !ok {
		return nil, fmt.Errorf("unknown cloud %q", cloud)
	}

	info := codec.newInfo()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      info,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("invalid %s account info: %w", cloud, err)
	}

	return info, nil
}
