// Package awscloud publishes a built image: S3 upload of the compressed
// raw file and AMI registration through the snapshot import flow.
package awscloud

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

type AWS struct {
	ec2        EC2
	ec2imds    EC2Imds
	s3         S3
	s3uploader S3Manager
}

func NewForTest(ec2cli EC2, ec2imds EC2Imds, s3cli S3, upldr S3Manager) *AWS {
	return &AWS{
		ec2:        ec2cli,
		ec2imds:    ec2imds,
		s3:         s3cli,
		s3uploader: upldr,
	}
}

func newAwsFromConfig(cfg aws.Config) *AWS {
	s3cli := s3.NewFromConfig(cfg)
	return &AWS{
		ec2:        ec2.NewFromConfig(cfg),
		ec2imds:    imds.NewFromConfig(cfg),
		s3:         s3cli,
		s3uploader: manager.NewUploader(s3cli),
	}
}

// New initializes an AWS object from individual bits. SessionToken is
// optional.
func New(region string, accessKeyID string, accessKey string, sessionToken string) (*AWS, error) {
	cfg, err := config.LoadDefaultConfig(
		context.Background(),
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, accessKey, sessionToken)),
	)
	if err != nil {
		return nil, err
	}
	return newAwsFromConfig(cfg), nil
}

// NewDefault initializes an AWS object from defaults: env variables, the
// shared credential file, and EC2 instance roles.
func NewDefault(region string) (*AWS, error) {
	cfg, err := config.LoadDefaultConfig(
		context.Background(),
		config.WithRegion(region),
	)
	if err != nil {
		return nil, err
	}
	return newAwsFromConfig(cfg), nil
}

func RegionFromInstanceMetadata() (string, error) {
	identity, err := imds.New(imds.Options{}).GetInstanceIdentityDocument(
		context.Background(),
		&imds.GetInstanceIdentityDocumentInput{},
	)
	if err != nil {
		return "", err
	}
	return identity.Region, nil
}

func (a *AWS) Upload(filename, bucket, key string) (*manager.UploadOutput, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := file.Close(); err != nil {
			logrus.Warnf("[AWS] failed to close the file uploaded to S3: %v", err)
		}
	}()

	logrus.Infof("[AWS] uploading image to S3: %s/%s", bucket, key)
	return a.s3uploader.Upload(
		context.Background(),
		&s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   file,
		},
	)
}

// Register imports the uploaded image as an EBS snapshot, waits for the
// import to finish, deletes the S3 object, tags the snapshot, and
// registers an ENA-enabled AMI over it. bootMode must match the image's
// boot strategy: "uefi" for the stub and loader-entry layouts,
// "legacy-bios" for GRUB. It returns the AMI ID.
func (a *AWS) Register(name, bucket, key, bootMode string) (string, error) {
	bootModeToEC2BootMode := map[string]ec2types.BootModeValues{
		string(ec2types.BootModeValuesLegacyBios): ec2types.BootModeValuesLegacyBios,
		string(ec2types.BootModeValuesUefi):       ec2types.BootModeValuesUefi,
	}
	ec2BootMode, validBootMode := bootModeToEC2BootMode[bootMode]
	if !validBootMode {
		return "", fmt.Errorf("ec2 doesn't support the following boot mode: %s", bootMode)
	}

	logrus.Infof("[AWS] importing snapshot from image: %s/%s", bucket, key)
	importTaskOutput, err := a.ec2.ImportSnapshot(
		context.Background(),
		&ec2.ImportSnapshotInput{
			Description: aws.String(fmt.Sprintf("Appliance image import of %s", name)),
			DiskContainer: &ec2types.SnapshotDiskContainer{
				UserBucket: &ec2types.UserBucket{
					S3Bucket: aws.String(bucket),
					S3Key:    aws.String(key),
				},
			},
		},
	)
	if err != nil {
		return "", fmt.Errorf("importing snapshot: %w", err)
	}

	logrus.Infof("[AWS] waiting for snapshot to finish importing: %s", *importTaskOutput.ImportTaskId)
	snapWaiter := ec2.NewSnapshotImportedWaiter(a.ec2)
	snapWaitOutput, err := snapWaiter.WaitForOutput(
		context.Background(),
		&ec2.DescribeImportSnapshotTasksInput{
			ImportTaskIds: []string{
				*importTaskOutput.ImportTaskId,
			},
		},
		time.Hour*24,
	)
	if err != nil {
		return "", err
	}

	taskDetail := snapWaitOutput.ImportSnapshotTasks[0].SnapshotTaskDetail
	if status := *taskDetail.Status; status != "completed" {
		return "", fmt.Errorf("unable to import snapshot, task result: %v, msg: %v", status, *taskDetail.StatusMessage)
	}

	// the object in S3 is no longer needed
	logrus.Infof("[AWS] deleting image from S3: %s/%s", bucket, key)
	_, err = a.s3.DeleteObject(
		context.Background(),
		&s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		},
	)
	if err != nil {
		return "", err
	}

	snapshotID := *taskDetail.SnapshotId
	_, err = a.ec2.CreateTags(
		context.Background(),
		&ec2.CreateTagsInput{
			Resources: []string{snapshotID},
			Tags: []ec2types.Tag{
				{
					Key:   aws.String("Name"),
					Value: aws.String(name),
				},
			},
		},
	)
	if err != nil {
		return "", err
	}

	logrus.Infof("[AWS] registering AMI from imported snapshot: %s", snapshotID)
	registerOutput, err := a.ec2.RegisterImage(
		context.Background(),
		&ec2.RegisterImageInput{
			Architecture:       ec2types.ArchitectureValuesX8664,
			BootMode:           ec2BootMode,
			VirtualizationType: aws.String("hvm"),
			Name:               aws.String(name),
			RootDeviceName:     aws.String("/dev/sda1"),
			EnaSupport:         aws.Bool(true),
			BlockDeviceMappings: []ec2types.BlockDeviceMapping{
				{
					DeviceName: aws.String("/dev/sda1"),
					Ebs: &ec2types.EbsBlockDevice{
						SnapshotId: aws.String(snapshotID),
					},
				},
			},
		},
	)
	if err != nil {
		return "", fmt.Errorf("registering image: %w", err)
	}

	logrus.Infof("[AWS] registered AMI %s", *registerOutput.ImageId)
	return *registerOutput.ImageId, nil
}
