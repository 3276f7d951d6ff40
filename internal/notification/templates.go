package notification

const accountCreatedTemplate = `
You (or someone) requested an account to be created with {applicationName}.

Username: {username}

Please click here to confirm your request so you can login:

{confirmAccountCreateUrl}

If you did not create this account click here to cancel this request:

{cancelNewAccountUrl}

Thanks!

{emailSignature}
`

const accountVerifiedTemplate = `
Your account has been verified with {applicationName}.

Username: {username}

You can now login at this address:

{loginUrl}

Thanks!

{emailSignature}
`

const passwordResetTemplate = `
You (or someone else) has requested a password reset for {applicationName}.

Username: {username}

Please click here to confirm your request so you can reset your password:

{confirmPasswordResetUrl}

Thanks!

{emailSignature}
`

const passwordChangedTemplate = `
Your password has been changed at {applicationName}.

Username: {username}

Click here to login:

{loginUrl}

Thanks!

{emailSignature}
`

const usernameReminderTemplate = `
You (or someone else) requested a reminder for your username from {applicationName}.

Username: {username}

You can click here to login:

{loginUrl}

Thanks!

{emailSignature}
`

const accountClosedTemplate = `
This email is to confirm that the account '{username}' has been closed for {applicationName}.

Thanks!

{emailSignature}
`

const emailChangeRequestTemplate = `
This email is to confirm an email change for your account with {applicationName}.

Username: {username}
Old Email: {oldEmail}
New Email: {newEmail}

Please click here to confirm your email change request:

{confirmChangeEmailUrl}

Thanks!

{emailSignature}
`

const emailChangedTemplate = `
This email is to confirm that your email has been changed for your account with {applicationName}.

Username: {username}
New Email: {newEmail}

Thanks!

{emailSignature}
`
