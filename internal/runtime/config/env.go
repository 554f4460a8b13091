package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// envConfig mirrors Config as flat environment variables.
type envConfig struct {
	Backend            string `envconfig:"BACKEND" default:"storagequeue"`
	ConnectionString   string `envconfig:"CONNECTION_STRING"`
	InstanceName       string `envconfig:"INSTANCE_NAME"`
	TenantID           string `envconfig:"TENANT_ID"`
	SubscriptionID     string `envconfig:"SUBSCRIPTION_ID"`
	AppID              string `envconfig:"APP_ID"`
	AppSecret          string `envconfig:"APP_SECRET"`
	ManagementEndpoint string `envconfig:"MANAGEMENT_ENDPOINT"`
	LoginAuthority     string `envconfig:"LOGIN_AUTHORITY"`

	ReceiverEntity        string        `envconfig:"RECEIVER_ENTITY"`
	ReceiverCreate        bool          `envconfig:"RECEIVER_CREATE" default:"false"`
	ReceiverPollFrequency time.Duration `envconfig:"RECEIVER_POLL_FREQUENCY" default:"500ms"`
	ReceiverRemovePoison  bool          `envconfig:"RECEIVER_REMOVE_POISON" default:"false"`

	SenderEntity string `envconfig:"SENDER_ENTITY"`
	SenderCreate bool   `envconfig:"SENDER_CREATE" default:"false"`
}

// FromEnv loads a Config from environment variables named <prefix>_<KEY>.
// The credential variant is picked from the populated fields: a connection
// string wins, then an app id/secret pair, then managed identity. The result
// is normalized but not validated.
func FromEnv(prefix string) (*Config, error) {
	var env envConfig
	if err := envconfig.Process(prefix, &env); err != nil {
		return nil, err
	}

	cfg := &Config{
		Backend:            env.Backend,
		ManagementEndpoint: env.ManagementEndpoint,
		LoginAuthority:     env.LoginAuthority,
	}

	switch {
	case env.ConnectionString != "":
		cfg.Credentials = ConnectionStringCredentials{ConnectionString: env.ConnectionString}
	case env.AppID != "" || env.AppSecret != "":
		cfg.Credentials = AppCredentials{
			Instance:       env.InstanceName,
			AppID:          env.AppID,
			AppSecret:      env.AppSecret,
			TenantID:       env.TenantID,
			SubscriptionID: env.SubscriptionID,
		}
	case env.InstanceName != "" || env.TenantID != "" || env.SubscriptionID != "":
		cfg.Credentials = ManagedIdentityCredentials{
			Instance:       env.InstanceName,
			TenantID:       env.TenantID,
			SubscriptionID: env.SubscriptionID,
		}
	}

	if env.ReceiverEntity != "" {
		cfg.Receiver = &ReceiverConfig{
			EntityName:                         env.ReceiverEntity,
			CreateEntityIfNotExists:            env.ReceiverCreate,
			PollFrequency:                      env.ReceiverPollFrequency,
			RemoveSerializationFailureMessages: env.ReceiverRemovePoison,
		}
	}
	if env.SenderEntity != "" {
		cfg.Sender = &SenderConfig{
			EntityName:              env.SenderEntity,
			CreateEntityIfNotExists: env.SenderCreate,
		}
	}

	cfg.Normalize()
	return cfg, nil
}
